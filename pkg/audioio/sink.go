package audioio

import (
	"context"
	"io"
	"time"
)

// Block is a PCM16 audio block: the unit exchanged with the agent and
// handed to playback. Treat it as immutable once constructed.
type Block struct {
	// Samples contains mono PCM16 samples.
	Samples []int16

	// SampleRate is the sample rate of this block.
	SampleRate int

	// Captured is when the block was produced (captured or received).
	Captured time.Time
}

// NewBlock creates a block stamped with the current time.
func NewBlock(samples []int16, sampleRate int) Block {
	return Block{Samples: samples, SampleRate: sampleRate, Captured: time.Now()}
}

// Duration returns the playback duration of the block.
func (b Block) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(b.Samples)) / float64(b.SampleRate) * float64(time.Second))
}

// Bytes returns the little-endian PCM16 bytes of the block.
func (b Block) Bytes() []byte {
	return EncodePCM16(b.Samples)
}

// Floats returns the samples normalized to [-1, 1).
func (b Block) Floats() []float32 {
	out := make([]float32, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = PCM16ToFloat(s)
	}
	return out
}

// Sink plays audio to a speaker or other output device.
type Sink interface {
	// Start opens the output device.
	// After calling Start, audio can be written via Write.
	Start(ctx context.Context) error

	// Stop halts audio playback.
	// It is safe to call Stop multiple times.
	Stop() error

	// Write queues a block behind everything already queued.
	Write(ctx context.Context, block Block) error

	// Flush waits for all queued audio to be played.
	Flush(ctx context.Context) error

	// Clear discards all queued audio immediately.
	Clear() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "malgo", "pulse", "mock").
	Name() string

	// Close releases the device.
	// After Close, the sink cannot be restarted.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	// ChunksWritten is the total number of blocks written.
	ChunksWritten int64 `json:"chunks_written"`

	// SamplesWritten is the total number of samples written.
	SamplesWritten int64 `json:"samples_written"`

	// Underruns is the number of device periods where queued audio ran out
	// before the period was filled.
	Underruns int64 `json:"underruns"`

	// Running indicates if the sink is currently playing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`

	// BufferedSamples is the number of samples currently queued.
	BufferedSamples int64 `json:"buffered_samples"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
