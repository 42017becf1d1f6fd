package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{EnvAgentURL, EnvAgentID, EnvAudioBackend, EnvCaptureRate, EnvHTTPAddr, EnvLogLevel} {
		t.Setenv(k, "")
	}

	cfg := Load()

	if cfg.AgentURL != "" {
		t.Errorf("AgentURL = %q, want empty", cfg.AgentURL)
	}
	if cfg.AudioBackend != DefaultAudioBackend {
		t.Errorf("AudioBackend = %q, want %q", cfg.AudioBackend, DefaultAudioBackend)
	}
	if cfg.CaptureRate != DefaultCaptureRate {
		t.Errorf("CaptureRate = %d, want %d", cfg.CaptureRate, DefaultCaptureRate)
	}
	if cfg.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, DefaultHTTPAddr)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv(EnvAgentURL, " wss://example.test/convai ")
	t.Setenv(EnvAgentID, "agent-1")
	t.Setenv(EnvCaptureRate, "44100")
	t.Setenv(EnvAudioBackend, "mock")

	cfg := Load()

	if cfg.AgentURL != "wss://example.test/convai" {
		t.Errorf("AgentURL = %q", cfg.AgentURL)
	}
	if cfg.AgentID != "agent-1" {
		t.Errorf("AgentID = %q", cfg.AgentID)
	}
	if cfg.CaptureRate != 44100 {
		t.Errorf("CaptureRate = %d", cfg.CaptureRate)
	}
	if cfg.AudioBackend != "mock" {
		t.Errorf("AudioBackend = %q", cfg.AudioBackend)
	}
}

func TestInt_Invalid(t *testing.T) {
	t.Setenv("TALKINGHEAD_TEST_INT", "-5")
	if got := Int("TALKINGHEAD_TEST_INT", 7); got != 7 {
		t.Errorf("Int(negative) = %d, want fallback 7", got)
	}

	t.Setenv("TALKINGHEAD_TEST_INT", "abc")
	if got := Int("TALKINGHEAD_TEST_INT", 7); got != 7 {
		t.Errorf("Int(garbage) = %d, want fallback 7", got)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                 "(unset)",
		"short":            "****",
		"sk_1234567890abc": "sk_1...0abc",
	}
	for in, want := range tests {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
