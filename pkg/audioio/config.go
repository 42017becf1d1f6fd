// Package audioio provides audio capture, playback and the PCM16 conversions
// used on the conversation wire.
//
// This package supports multiple device backends:
//   - malgo (miniaudio) - cross-platform capture and playback via cgo
//   - PulseAudio - pure Go client for Linux desktops
//   - Mock - CI/Testing without hardware
//
// The backend is selected automatically based on platform, or can be
// explicitly specified via configuration.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto automatically selects the best available backend.
	BackendAuto Backend = "auto"
	// BackendMalgo uses miniaudio through github.com/gen2brain/malgo.
	BackendMalgo Backend = "malgo"
	// BackendPulse uses a PulseAudio server through github.com/jfreymuth/pulse.
	BackendPulse Backend = "pulse"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// TargetRate is the sample rate of every PCM16 block on the conversation wire.
const TargetRate = 16000

// DefaultBlockSize is the number of frames delivered per captured block.
const DefaultBlockSize = 4096

// Config holds audio device configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto" (selects best available for platform)
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the device sample rate in Hz.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of device channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// BlockSize is the number of frames per block handed to consumers.
	// Capture default: 4096.
	BlockSize int `yaml:"block_size" json:"block_size"`

	// Device is a backend-specific device identifier.
	// Examples:
	//   - malgo: hex device ID as returned by Devices, empty for default
	//   - pulse: source/sink name, empty for default
	//   - Mock: ignored
	Device string `yaml:"device" json:"device"`
}

// DefaultCaptureConfig returns the microphone defaults: 48 kHz mono
// delivered in 4096-frame blocks.
func DefaultCaptureConfig() Config {
	return Config{
		Backend:    BackendAuto,
		SampleRate: 48000,
		Channels:   1,
		BlockSize:  DefaultBlockSize,
	}
}

// DefaultPlaybackConfig returns the speaker defaults matching the wire
// format: 16 kHz mono.
func DefaultPlaybackConfig() Config {
	return Config{
		Backend:    BackendAuto,
		SampleRate: TargetRate,
		Channels:   1,
		BlockSize:  1024,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	return nil
}

// BlockDuration returns the wall time covered by one block.
func (c *Config) BlockDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.BlockSize) / float64(c.SampleRate) * float64(time.Second))
}

// BlockBytes returns the size of a block in bytes (assuming int16 samples).
func (c *Config) BlockBytes() int {
	return c.BlockSize * c.Channels * 2
}
