// Package speech derives a speaking-amplitude signal from playback audio.
//
// The envelope is a one-pole smoothed RMS, scaled and clamped to [0, 1], and
// is meant to drive mouth or head animation in an external renderer.
package speech

import (
	"math"
	"sync"

	"github.com/teslashibe/go-talkinghead/pkg/audioio"
)

// Tunable parameters
const (
	// Smoothing is the weight of the newest RMS value.
	Smoothing = 0.2

	// Gain maps smoothed RMS onto the amplitude range.
	Gain = 6.0

	// DecayFactor is applied to the amplitude on every idle tick.
	DecayFactor = 0.8
)

// RMS returns the root mean square of samples, 0 when empty.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Envelope tracks the smoothed amplitude of audio handed to playback.
// It is safe for concurrent use.
type Envelope struct {
	mu        sync.RWMutex
	smoothed  float64
	amplitude float64
}

// NewEnvelope returns a silent envelope.
func NewEnvelope() *Envelope {
	return &Envelope{}
}

// Observe folds one block of samples into the envelope and returns the new
// amplitude.
func (e *Envelope) Observe(samples []float32) float64 {
	rms := RMS(samples)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.smoothed = Smoothing*rms + (1-Smoothing)*e.smoothed
	e.amplitude = clamp(e.smoothed*Gain, 0, 1)
	return e.amplitude
}

// ObserveBlock is Observe for a PCM16 block.
func (e *Envelope) ObserveBlock(b audioio.Block) float64 {
	return e.Observe(b.Floats())
}

// Decay shrinks the amplitude toward zero. The smoothing state is left
// alone, so the next Observe continues from where speech stopped.
func (e *Envelope) Decay() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.amplitude *= DecayFactor
	if e.amplitude < 1e-6 {
		e.amplitude = 0
	}
	return e.amplitude
}

// Amplitude returns the current value in [0, 1].
func (e *Envelope) Amplitude() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.amplitude
}

// Reset clears the envelope state.
func (e *Envelope) Reset() {
	e.mu.Lock()
	e.smoothed = 0
	e.amplitude = 0
	e.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
