// Package recording saves conversation audio to FLAC files.
package recording

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
	"github.com/teslashibe/go-talkinghead/pkg/audioio"
)

const (
	// BlockSize is the number of samples per FLAC frame.
	BlockSize = 4096

	bitsPerSample = 16

	// FLAC frames shorter than this are padded with silence.
	minBlockSize = 16
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("recording: closed")

// Recorder encodes mono PCM16 blocks into a FLAC stream. Blocks at other
// sample rates are resampled. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	enc     *flac.Encoder
	closer  io.Closer
	rate    int
	pending []int16
	written uint64
	closed  bool
}

// New starts a FLAC stream on w at sampleRate. If w is an io.WriteSeeker
// the stream header is finalized with the sample count on Close.
func New(w io.Writer, sampleRate int) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("recording: invalid sample rate %d", sampleRate)
	}
	info := &meta.StreamInfo{
		BlockSizeMin:  minBlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: bitsPerSample,
	}
	enc, err := flac.NewEncoder(w, info)
	if err != nil {
		return nil, fmt.Errorf("recording: creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)

	return &Recorder{
		enc:     enc,
		rate:    sampleRate,
		pending: make([]int16, 0, BlockSize*2),
	}, nil
}

// Create writes a FLAC file at path. Close closes the file.
func Create(path string, sampleRate int) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: %w", err)
	}
	r, err := New(f, sampleRate)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Write appends a block to the recording.
func (r *Recorder) Write(b audioio.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	samples := b.Samples
	if b.SampleRate > 0 && b.SampleRate != r.rate {
		samples = audioio.Resample(samples, b.SampleRate, r.rate)
	}
	r.pending = append(r.pending, samples...)

	for len(r.pending) >= BlockSize {
		if err := r.writeFrame(r.pending[:BlockSize]); err != nil {
			return err
		}
		r.pending = append(r.pending[:0], r.pending[BlockSize:]...)
	}
	return nil
}

// Close flushes buffered audio and finalizes the stream.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if n := len(r.pending); n > 0 {
		for len(r.pending) < minBlockSize {
			r.pending = append(r.pending, 0)
		}
		errs = append(errs, r.writeFrame(r.pending))
		r.pending = nil
	}
	errs = append(errs, r.enc.Close())
	if r.closer != nil {
		errs = append(errs, r.closer.Close())
	}
	return errors.Join(errs...)
}

// Samples returns how many samples were encoded so far.
func (r *Recorder) Samples() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Duration returns the encoded audio length.
func (r *Recorder) Duration() time.Duration {
	return time.Duration(r.Samples()) * time.Second / time.Duration(r.rate)
}

func (r *Recorder) writeFrame(block []int16) error {
	samples := make([]int32, len(block))
	for i, s := range block {
		samples[i] = int32(s)
	}

	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    uint32(r.rate),
			Channels:      frame.ChannelsMono,
			BitsPerSample: bitsPerSample,
		},
		Subframes: []*frame.Subframe{{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  len(block),
		}},
	}
	if err := r.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("recording: writing flac frame: %w", err)
	}
	r.written += uint64(len(block))
	return nil
}
