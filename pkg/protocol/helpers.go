package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/teslashibe/go-talkinghead/pkg/audioio"
)

// =============================================================================
// Client → Agent message types
// =============================================================================

// InitOverrides are the optional conversation settings sent at initiation.
type InitOverrides struct {
	VoiceID      string
	FirstMessage string
	Language     string
	Prompt       string
}

// InitiationMessage opens the conversation.
type InitiationMessage struct {
	Type     MessageType    `json:"type"`
	Override ConfigOverride `json:"conversation_config_override"`
}

// ConfigOverride holds per-conversation agent and TTS overrides.
type ConfigOverride struct {
	Agent *AgentOverride `json:"agent,omitempty"`
	TTS   TTSOverride    `json:"tts"`
}

// AgentOverride selects the agent and tweaks its behaviour.
type AgentOverride struct {
	AgentID      string          `json:"agent_id,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
	Prompt       *PromptOverride `json:"prompt,omitempty"`
}

// PromptOverride replaces the agent's system prompt.
type PromptOverride struct {
	Prompt string `json:"prompt"`
}

// TTSOverride tweaks speech synthesis. An empty object keeps the defaults.
type TTSOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}

// UserTextMessage sends typed user input.
type UserTextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// UserAudioChunkMessage sends one block of microphone audio.
type UserAudioChunkMessage struct {
	Type       MessageType    `json:"type"`
	AudioEvent AudioEventData `json:"audio_event"`
}

// AudioEventData carries base64 PCM16.
type AudioEventData struct {
	AudioBase64 string `json:"audio_base_64"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type    MessageType     `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewInitiationMessage builds the conversation initiation payload.
// The agent section is omitted when there is nothing to put in it.
func NewInitiationMessage(agentID string, o InitOverrides) *InitiationMessage {
	msg := &InitiationMessage{
		Type:     TypeInitiation,
		Override: ConfigOverride{TTS: TTSOverride{VoiceID: o.VoiceID}},
	}

	agent := &AgentOverride{
		AgentID:      agentID,
		FirstMessage: o.FirstMessage,
		Language:     o.Language,
	}
	if o.Prompt != "" {
		agent.Prompt = &PromptOverride{Prompt: o.Prompt}
	}
	if *agent != (AgentOverride{}) {
		msg.Override.Agent = agent
	}
	return msg
}

// NewUserTextMessage creates a user_input_text message.
func NewUserTextMessage(text string) *UserTextMessage {
	return &UserTextMessage{Type: TypeUserText, Text: text}
}

// NewUserAudioChunkMessage encodes a captured block.
func NewUserAudioChunkMessage(block audioio.Block) *UserAudioChunkMessage {
	return &UserAudioChunkMessage{
		Type:       TypeUserAudioChunk,
		AudioEvent: AudioEventData{AudioBase64: audioio.EncodeBase64(block.Samples)},
	}
}

// NewPongMessage answers ping with the same event id.
func NewPongMessage(ping *Ping) *PongMessage {
	return &PongMessage{Type: TypePong, EventID: ping.EventID}
}

// Encode marshals an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}
