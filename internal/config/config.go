// Package config provides configuration helpers for go-talkinghead commands.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvAgentURL     = "AGENT_WS_URL"
	EnvAgentID      = "AGENT_ID"
	EnvAPIKey       = "ELEVENLABS_API_KEY"
	EnvVoiceID      = "AGENT_VOICE_ID"
	EnvLanguage     = "AGENT_LANGUAGE"
	EnvAudioBackend = "AUDIO_BACKEND"
	EnvInputDevice  = "AUDIO_INPUT_DEVICE"
	EnvCaptureRate  = "CAPTURE_SAMPLE_RATE"
	EnvHTTPAddr     = "DASHBOARD_ADDR"
	EnvStaticDir    = "DASHBOARD_STATIC_DIR"
	EnvLogLevel     = "LOG_LEVEL"
)

// Defaults used when the environment does not say otherwise.
const (
	DefaultAudioBackend = "auto"
	DefaultCaptureRate  = 48000
	DefaultHTTPAddr     = ":8090"
	DefaultLogLevel     = "info"
	DefaultDialTimeout  = 15 * time.Second
)

// App is the resolved configuration of the talkinghead command.
type App struct {
	AgentURL     string
	AgentID      string
	APIKey       string
	VoiceID      string
	Language     string
	AudioBackend string
	InputDevice  string
	CaptureRate  int
	HTTPAddr     string
	StaticDir    string
	LogLevel     string
	DialTimeout  time.Duration
}

// Load reads the configuration from the environment.
// Nothing here is required: an unset agent URL is reported by the session
// when a conversation is started, not at load time.
func Load() App {
	return App{
		AgentURL:     String(EnvAgentURL, ""),
		AgentID:      String(EnvAgentID, ""),
		APIKey:       String(EnvAPIKey, ""),
		VoiceID:      String(EnvVoiceID, ""),
		Language:     String(EnvLanguage, ""),
		AudioBackend: String(EnvAudioBackend, DefaultAudioBackend),
		InputDevice:  String(EnvInputDevice, ""),
		CaptureRate:  Int(EnvCaptureRate, DefaultCaptureRate),
		HTTPAddr:     String(EnvHTTPAddr, DefaultHTTPAddr),
		StaticDir:    String(EnvStaticDir, ""),
		LogLevel:     String(EnvLogLevel, DefaultLogLevel),
		DialTimeout:  DefaultDialTimeout,
	}
}

// String returns the trimmed value of env var key.
// Falls back to def if not set or blank.
func String(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int returns env var key parsed as a positive integer.
// Falls back to def if not set or not a positive integer.
func Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// MaskSecret hides all but the edges of a credential for display.
func MaskSecret(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
