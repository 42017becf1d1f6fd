package audioio

import (
	"context"
	"io"
	"time"
)

// Chunk is one block of captured audio as delivered by a Source.
type Chunk struct {
	// Samples contains normalized float samples in [-1, 1], interleaved
	// when Channels > 1.
	Samples []float32

	// SampleRate is the device sample rate of this chunk.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// Captured is when the last frame of the chunk was received.
	Captured time.Time
}

// Frames returns the number of frames (samples per channel).
func (c *Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Mono returns the chunk down-mixed to a single channel.
func (c *Chunk) Mono() []float32 {
	if c.Channels <= 1 {
		return c.Samples
	}
	return DownmixFloat(c.Samples, c.Channels)
}

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start opens the device and begins capture.
	// A Source whose device cannot be opened returns an error wrapping
	// ErrDeviceUnavailable.
	Start(ctx context.Context) error

	// Stop halts audio capture.
	// It is safe to call Stop multiple times.
	Stop() error

	// Read reads the next chunk, blocking if necessary.
	// Returns io.EOF when the source is stopped.
	Read(ctx context.Context) (Chunk, error)

	// Stream returns a channel that receives chunks.
	// The channel is closed when the source is stopped.
	Stream() <-chan Chunk

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "malgo", "pulse", "mock").
	Name() string

	// Close releases the device.
	// After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// ChunksRead is the total number of chunks delivered.
	ChunksRead int64 `json:"chunks_read"`

	// SamplesRead is the total number of samples delivered.
	SamplesRead int64 `json:"samples_read"`

	// Overruns is the number of chunks dropped because nobody was reading.
	Overruns int64 `json:"overruns"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
