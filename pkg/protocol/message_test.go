package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/teslashibe/go-talkinghead/pkg/audioio"
)

func TestParse_Variants(t *testing.T) {
	audio := audioio.EncodeBase64([]int16{1, -2, 3})

	tests := []struct {
		name  string
		input string
		check func(t *testing.T, in Inbound)
	}{
		{
			name:  "session ack with greeting",
			input: `{"type":"conversation_initiation_response","conversation_initiation_response":{"agent_response":"Hi there"}}`,
			check: func(t *testing.T, in Inbound) {
				ack, ok := in.(*SessionAck)
				if !ok || ack.Text != "Hi there" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "session ack default text",
			input: `{"type":"conversation_initiation_response"}`,
			check: func(t *testing.T, in Inbound) {
				ack, ok := in.(*SessionAck)
				if !ok || ack.Text != DefaultAckText {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "agent response object",
			input: `{"type":"agent_response","agent_response":{"text":"hello"}}`,
			check: func(t *testing.T, in Inbound) {
				if a, ok := in.(*AgentText); !ok || a.Text != "hello" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "agent response prefers response over text",
			input: `{"type":"agent_response","agent_response":{"response":"first","text":"second"}}`,
			check: func(t *testing.T, in Inbound) {
				if a, ok := in.(*AgentText); !ok || a.Text != "first" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "agent response event form",
			input: `{"type":"agent_response","agent_response_event":{"agent_response":"from event"}}`,
			check: func(t *testing.T, in Inbound) {
				if a, ok := in.(*AgentText); !ok || a.Text != "from event" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "user transcript object",
			input: `{"type":"user_transcript","user_transcript":{"transcript":"what time is it"}}`,
			check: func(t *testing.T, in Inbound) {
				if u, ok := in.(*UserTranscript); !ok || u.Text != "what time is it" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "user transcription event form",
			input: `{"type":"user_transcript","user_transcription_event":{"user_transcript":"hey"}}`,
			check: func(t *testing.T, in Inbound) {
				if u, ok := in.(*UserTranscript); !ok || u.Text != "hey" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "typed audio",
			input: `{"type":"audio","audio_event":{"audio_base_64":"` + audio + `"}}`,
			check: func(t *testing.T, in Inbound) {
				f, ok := in.(*AudioFrame)
				if !ok || f.Untyped || len(f.Block.Samples) != 3 || f.Block.Samples[1] != -2 {
					t.Errorf("got %#v", in)
				}
				if f.Block.SampleRate != audioio.TargetRate {
					t.Errorf("rate = %d", f.Block.SampleRate)
				}
			},
		},
		{
			name:  "typed audio alternate key",
			input: `{"type":"audio","audio_event":{"audio_base64":"` + audio + `"}}`,
			check: func(t *testing.T, in Inbound) {
				if f, ok := in.(*AudioFrame); !ok || len(f.Block.Samples) != 3 {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "untyped audio fallback",
			input: `{"audio_base_64":"` + audio + `"}`,
			check: func(t *testing.T, in Inbound) {
				if f, ok := in.(*AudioFrame); !ok || !f.Untyped || len(f.Block.Samples) != 3 {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "ping",
			input: `{"type":"ping","ping_event":{"event_id":"abc","ping_ms":12}}`,
			check: func(t *testing.T, in Inbound) {
				p, ok := in.(*Ping)
				if !ok || string(p.EventID) != `"abc"` || !p.HasEventID() {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "ping with fractional latency",
			input: `{"type":"ping","ping_event":{"event_id":"abc","ping_ms":12.5}}`,
			check: func(t *testing.T, in Inbound) {
				p, ok := in.(*Ping)
				if !ok || string(p.EventID) != `"abc"` {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "unknown type with foreign audio_event",
			input: `{"type":"agent_tool_response","audio_event":"x"}`,
			check: func(t *testing.T, in Inbound) {
				if u, ok := in.(*Unknown); !ok || u.Type != "agent_tool_response" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "unknown type with foreign ping_event",
			input: `{"type":"vad_score","ping_event":"x"}`,
			check: func(t *testing.T, in Inbound) {
				if u, ok := in.(*Unknown); !ok || u.Type != "vad_score" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "agent text ignores foreign ping_event",
			input: `{"type":"agent_response","agent_response":"hi","ping_event":[1]}`,
			check: func(t *testing.T, in Inbound) {
				if a, ok := in.(*AgentText); !ok || a.Text != "hi" {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "untyped non-string audio is unknown",
			input: `{"audio_base_64":42}`,
			check: func(t *testing.T, in Inbound) {
				if _, ok := in.(*Unknown); !ok {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "unpadded audio",
			input: `{"type":"audio","audio_event":{"audio_base_64":"AAEC/w"}}`,
			check: func(t *testing.T, in Inbound) {
				f, ok := in.(*AudioFrame)
				if !ok || len(f.Block.Samples) != 2 || f.Block.Samples[0] != 0x0100 || f.Block.Samples[1] != -254 {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "unknown type",
			input: `{"type":"interruption","interruption_event":{"event_id":4}}`,
			check: func(t *testing.T, in Inbound) {
				u, ok := in.(*Unknown)
				if !ok || u.Type != "interruption" || len(u.Raw) == 0 {
					t.Errorf("got %#v", in)
				}
			},
		},
		{
			name:  "untyped without audio",
			input: `{"hello":"world"}`,
			check: func(t *testing.T, in Inbound) {
				if u, ok := in.(*Unknown); !ok || u.Type != "" {
					t.Errorf("got %#v", in)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Parse([]byte(tt.input))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			tt.check(t, in)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := map[string]string{
		"empty":               "",
		"not json":            "hello",
		"truncated":           `{"type":"ping"`,
		"array":               `[1,2,3]`,
		"type not string":     `{"type":42}`,
		"bad base64":          `{"type":"audio","audio_event":{"audio_base_64":"!!!"}}`,
		"odd pcm length":      `{"type":"audio","audio_event":{"audio_base_64":"AAEC"}}`,
		"agent response num":  `{"type":"agent_response","agent_response":12}`,
		"transcript not text": `{"type":"user_transcript","user_transcript":{"transcript":false}}`,
		"audio event string":  `{"type":"audio","audio_event":"x"}`,
		"ping event array":    `{"type":"ping","ping_event":[1]}`,
		"untyped bad base64":  `{"audio_base_64":"!!!"}`,
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			in, err := Parse([]byte(input))
			if err == nil {
				t.Fatalf("expected error, got %#v", in)
			}
			if in != nil {
				t.Errorf("expected nil Inbound on error, got %T", in)
			}
			if !audioio.IsMalformedFrame(err) {
				t.Errorf("expected malformed frame, got %v", err)
			}
			var mf *audioio.MalformedFrameError
			if !errors.As(err, &mf) || mf.Reason == "" {
				t.Errorf("expected *MalformedFrameError with a reason, got %T", err)
			}
		})
	}
}

func TestPing_HasEventID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{`"abc"`, true},
		{`7`, true},
		{`0`, true},
		{``, false},
		{`null`, false},
		{`""`, false},
	}
	for _, tt := range tests {
		p := &Ping{EventID: json.RawMessage(tt.id)}
		if got := p.HasEventID(); got != tt.want {
			t.Errorf("HasEventID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestParseBinary(t *testing.T) {
	frame, err := ParseBinary([]byte{0x02, 0x01, 0xff, 0xff})
	if err != nil {
		t.Fatalf("ParseBinary() error = %v", err)
	}
	if len(frame.Block.Samples) != 2 || frame.Block.Samples[0] != 0x0102 || frame.Block.Samples[1] != -1 {
		t.Errorf("samples = %v", frame.Block.Samples)
	}

	if _, err := ParseBinary([]byte{1, 2, 3}); !audioio.IsMalformedFrame(err) {
		t.Errorf("expected malformed frame for odd length, got %v", err)
	}
}

func TestEncode_Pong(t *testing.T) {
	in, err := Parse([]byte(`{"type":"ping","ping_event":{"event_id":"abc"}}`))
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(NewPongMessage(in.(*Ping)))
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"type":"pong","event_id":"abc"}`; string(data) != want {
		t.Errorf("pong = %s, want %s", data, want)
	}

	// numeric ids stay numeric
	in, _ = Parse([]byte(`{"type":"ping","ping_event":{"event_id":17}}`))
	data, _ = Encode(NewPongMessage(in.(*Ping)))
	if want := `{"type":"pong","event_id":17}`; string(data) != want {
		t.Errorf("pong = %s, want %s", data, want)
	}
}

func TestEncode_Initiation(t *testing.T) {
	tests := []struct {
		name      string
		agentID   string
		overrides InitOverrides
		want      string
	}{
		{
			name:    "agent only",
			agentID: "agent_123",
			want:    `{"type":"conversation_initiation_client_data","conversation_config_override":{"agent":{"agent_id":"agent_123"},"tts":{}}}`,
		},
		{
			name: "no agent",
			want: `{"type":"conversation_initiation_client_data","conversation_config_override":{"tts":{}}}`,
		},
		{
			name:    "overrides",
			agentID: "a",
			overrides: InitOverrides{
				VoiceID:      "v1",
				FirstMessage: "Hola",
				Language:     "es",
				Prompt:       "Be brief.",
			},
			want: `{"type":"conversation_initiation_client_data","conversation_config_override":{"agent":{"agent_id":"a","first_message":"Hola","language":"es","prompt":{"prompt":"Be brief."}},"tts":{"voice_id":"v1"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(NewInitiationMessage(tt.agentID, tt.overrides))
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("got  %s\nwant %s", data, tt.want)
			}
		})
	}
}

func TestEncode_UserMessages(t *testing.T) {
	data, _ := Encode(NewUserTextMessage("hello"))
	if want := `{"type":"user_input_text","text":"hello"}`; string(data) != want {
		t.Errorf("text = %s, want %s", data, want)
	}

	block := audioio.NewBlock([]int16{1, 2}, audioio.TargetRate)
	data, _ = Encode(NewUserAudioChunkMessage(block))
	want := `{"type":"user_audio_chunk","audio_event":{"audio_base_64":"` + audioio.EncodeBase64(block.Samples) + `"}}`
	if string(data) != want {
		t.Errorf("audio = %s, want %s", data, want)
	}

	var back struct {
		AudioEvent struct {
			AudioBase64 string `json:"audio_base_64"`
		} `json:"audio_event"`
	}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	samples, err := audioio.DecodeBase64(back.AudioEvent.AudioBase64)
	if err != nil || len(samples) != 2 || samples[1] != 2 {
		t.Errorf("decoded %v, %v", samples, err)
	}
}
