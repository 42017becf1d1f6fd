package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-talkinghead/pkg/audioio"
	"github.com/teslashibe/go-talkinghead/pkg/playback"
)

// Status represents the session connection state.
type Status int

const (
	// StatusIdle indicates no connection and no connection attempt.
	StatusIdle Status = iota
	// StatusConnecting indicates the connection is being established.
	StatusConnecting
	// StatusConnected indicates an open connection.
	StatusConnected
	// StatusError is entered briefly when the connection fails, before the
	// session settles back to idle.
	StatusError
)

// String returns a human-readable status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a new Start would be rejected.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

// Role identifies who a transcript entry belongs to.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// EntryKind separates conversation content from local notices.
type EntryKind string

const (
	// KindMessage is something said or typed in the conversation.
	KindMessage EntryKind = "message"
	// KindNotice is a local status line such as "not connected".
	KindNotice EntryKind = "notice"
)

// TranscriptEntry is one line of the conversation as shown to the user.
type TranscriptEntry struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
	Kind EntryKind `json:"kind"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

func newEntry(role Role, kind EntryKind, text string) TranscriptEntry {
	return TranscriptEntry{
		ID:   uuid.New(),
		Role: role,
		Kind: kind,
		Text: text,
		Time: time.Now(),
	}
}

// Metrics tracks connection and usage statistics.
type Metrics struct {
	// ConnectionTime is when the current connection was established.
	ConnectionTime time.Time `json:"connection_time"`

	// MessagesSent is the total messages sent.
	MessagesSent int64 `json:"messages_sent"`

	// MessagesReceived is the total messages received.
	MessagesReceived int64 `json:"messages_received"`

	// AudioBytesSent is the total PCM16 bytes sent.
	AudioBytesSent int64 `json:"audio_bytes_sent"`

	// AudioBytesReceived is the total PCM16 bytes received.
	AudioBytesReceived int64 `json:"audio_bytes_received"`

	// PingsAnswered is the number of pongs sent.
	PingsAnswered int64 `json:"pings_answered"`

	// MalformedFrames counts inbound frames that failed to decode.
	MalformedFrames int64 `json:"malformed_frames"`

	// ProtocolAnomalies counts well-formed messages nobody handles.
	ProtocolAnomalies int64 `json:"protocol_anomalies"`

	// Errors is the total errors reported through OnError.
	Errors int64 `json:"errors"`
}

// Stats is a point-in-time view of the session.
type Stats struct {
	SessionID        uuid.UUID             `json:"session_id"`
	Status           Status                `json:"status"`
	MicrophoneActive bool                  `json:"microphone_active"`
	Amplitude        float64               `json:"amplitude"`
	LastError        string                `json:"last_error,omitempty"`
	Metrics          Metrics               `json:"metrics"`
	Capture          *audioio.CaptureStats `json:"capture,omitempty"`
	Playback         *playback.Stats       `json:"playback,omitempty"`
}
