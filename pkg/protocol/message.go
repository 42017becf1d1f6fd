// Package protocol defines the WebSocket message types exchanged with a
// realtime conversational agent.
//
// Inbound text frames are decoded once, here, into a closed set of variants.
// Callers switch on the concrete type and never look at raw JSON again.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/teslashibe/go-talkinghead/pkg/audioio"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Agent messages
	TypeInitiation     MessageType = "conversation_initiation_client_data"
	TypeUserText       MessageType = "user_input_text"
	TypeUserAudioChunk MessageType = "user_audio_chunk"
	TypePong           MessageType = "pong"

	// Agent → Client messages
	TypeInitiationResponse MessageType = "conversation_initiation_response"
	TypeAgentResponse      MessageType = "agent_response"
	TypeUserTranscript     MessageType = "user_transcript"
	TypeAudio              MessageType = "audio"
	TypePing               MessageType = "ping"
)

// DefaultAckText is shown when the agent acknowledges without a greeting.
const DefaultAckText = "Connection ready!"

// Inbound is one decoded agent message: *SessionAck, *AgentText,
// *UserTranscript, *AudioFrame, *Ping or *Unknown.
type Inbound interface {
	inbound()
}

// SessionAck acknowledges the conversation initiation.
type SessionAck struct {
	Text string
}

// AgentText is a textual agent response.
type AgentText struct {
	Text string
}

// UserTranscript is the agent's transcription of the user's speech.
type UserTranscript struct {
	Text string
}

// AudioFrame carries agent speech as 16 kHz mono PCM16.
type AudioFrame struct {
	Block audioio.Block

	// Untyped is set when the frame came from a message without a
	// recognized type tag.
	Untyped bool
}

// Ping asks for a pong echoing EventID.
type Ping struct {
	// EventID is the raw JSON value, echoed back verbatim.
	EventID json.RawMessage
}

// HasEventID reports whether the ping carries an id worth answering.
func (p *Ping) HasEventID() bool {
	id := bytes.TrimSpace(p.EventID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null")) && !bytes.Equal(id, []byte(`""`))
}

// Unknown is any message this client does not handle.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (*SessionAck) inbound()     {}
func (*AgentText) inbound()      {}
func (*UserTranscript) inbound() {}
func (*AudioFrame) inbound()     {}
func (*Ping) inbound()           {}
func (*Unknown) inbound()        {}

// envelope is the loose shape every inbound text frame is read into.
type envelope struct {
	Type json.RawMessage `json:"type"`

	InitiationResponse json.RawMessage `json:"conversation_initiation_response"`
	AgentResponse      json.RawMessage `json:"agent_response"`
	AgentResponseEvent json.RawMessage `json:"agent_response_event"`
	UserTranscript     json.RawMessage `json:"user_transcript"`
	UserTranscription  json.RawMessage `json:"user_transcription_event"`
	AudioEvent         json.RawMessage `json:"audio_event"`
	PingEvent          json.RawMessage `json:"ping_event"`

	// untyped fallback
	AudioBase64 json.RawMessage `json:"audio_base_64"`
}

type audioEvent struct {
	AudioBase64    string `json:"audio_base_64"`
	AudioBase64Alt string `json:"audio_base64"`
}

type pingEvent struct {
	EventID json.RawMessage `json:"event_id"`
}

// Parse decodes one inbound text frame. Anything that is not a JSON object,
// or whose tagged payload has the wrong shape, is an *audioio.MalformedFrameError.
// Fields are only decoded for the type that owns them. Unrecognized but
// well-formed messages yield *Unknown.
func Parse(data []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &audioio.MalformedFrameError{Reason: "not a JSON object"}
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &audioio.MalformedFrameError{Reason: "invalid JSON", Cause: err}
	}

	var msgType string
	if len(env.Type) > 0 && !isNull(env.Type) {
		if err := json.Unmarshal(env.Type, &msgType); err != nil {
			return nil, &audioio.MalformedFrameError{Reason: "type is not a string", Cause: err}
		}
	}

	switch MessageType(msgType) {
	case TypeInitiationResponse:
		text, err := textField(env.InitiationResponse, "agent_response")
		if err != nil {
			return nil, err
		}
		if text == "" {
			text = DefaultAckText
		}
		return &SessionAck{Text: text}, nil

	case TypeAgentResponse:
		raw := env.AgentResponse
		if isEmpty(raw) {
			raw = nested(env.AgentResponseEvent, "agent_response")
		}
		text, err := textField(raw, "response", "text", "transcript")
		if err != nil {
			return nil, err
		}
		return &AgentText{Text: text}, nil

	case TypeUserTranscript:
		raw := env.UserTranscript
		if isEmpty(raw) {
			raw = nested(env.UserTranscription, "user_transcript")
		}
		text, err := textField(raw, "transcript", "text")
		if err != nil {
			return nil, err
		}
		return &UserTranscript{Text: text}, nil

	case TypeAudio:
		var ev audioEvent
		if !isEmpty(env.AudioEvent) {
			if err := json.Unmarshal(env.AudioEvent, &ev); err != nil {
				return nil, &audioio.MalformedFrameError{Reason: "audio_event has the wrong shape", Cause: err}
			}
		}
		payload := ev.AudioBase64
		if payload == "" {
			payload = ev.AudioBase64Alt
		}
		frame, err := decodeAudio(payload, false)
		if err != nil {
			return nil, err
		}
		return frame, nil

	case TypePing:
		var ev pingEvent
		if !isEmpty(env.PingEvent) {
			if err := json.Unmarshal(env.PingEvent, &ev); err != nil {
				return nil, &audioio.MalformedFrameError{Reason: "ping_event has the wrong shape", Cause: err}
			}
		}
		return &Ping{EventID: ev.EventID}, nil
	}

	var payload string
	if !isEmpty(env.AudioBase64) && json.Unmarshal(env.AudioBase64, &payload) == nil && payload != "" {
		frame, err := decodeAudio(payload, true)
		if err != nil {
			return nil, err
		}
		return frame, nil
	}
	return &Unknown{Type: msgType, Raw: json.RawMessage(trimmed)}, nil
}

// ParseBinary decodes a binary frame of raw little-endian PCM16 at 16 kHz.
func ParseBinary(data []byte) (*AudioFrame, error) {
	samples, err := audioio.DecodePCM16(data)
	if err != nil {
		return nil, err
	}
	return &AudioFrame{Block: audioio.NewBlock(samples, audioio.TargetRate)}, nil
}

func decodeAudio(payload string, untyped bool) (*AudioFrame, error) {
	if payload == "" {
		return &AudioFrame{Block: audioio.NewBlock(nil, audioio.TargetRate), Untyped: untyped}, nil
	}
	samples, err := audioio.DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return &AudioFrame{Block: audioio.NewBlock(samples, audioio.TargetRate), Untyped: untyped}, nil
}

// textField reads raw as either a bare string or an object, returning the
// first non-empty string among keys.
func textField(raw json.RawMessage, keys ...string) (string, error) {
	if isEmpty(raw) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", &audioio.MalformedFrameError{Reason: fmt.Sprintf("expected string or object, got %s", kindOf(raw)), Cause: err}
	}
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || isNull(v) {
			continue
		}
		if err := json.Unmarshal(v, &s); err != nil {
			return "", &audioio.MalformedFrameError{Reason: fmt.Sprintf("field %q is not a string", k), Cause: err}
		}
		if s != "" {
			return s, nil
		}
	}
	return "", nil
}

// nested returns raw[key] when raw is an object, nil otherwise.
func nested(raw json.RawMessage, key string) json.RawMessage {
	if isEmpty(raw) {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj[key]
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || isNull(raw)
}

func kindOf(raw json.RawMessage) string {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return "nothing"
	}
	switch t[0] {
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	default:
		return "number"
	}
}
