// Package playback schedules decoded agent audio for gapless output.
//
// Every block is placed at max(now, cursor) where cursor is the end of the
// previously scheduled block, so blocks never overlap and never start in the
// past. When audio arrives late the output simply goes quiet; nothing is
// synthesized to fill the gap.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-talkinghead/pkg/audioio"
)

var (
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("playback: scheduler stopped")

	// ErrInvalidBlock is returned for blocks without a usable sample rate.
	ErrInvalidBlock = errors.New("playback: invalid block")
)

// Scheduled is a block with its place on the playback timeline.
type Scheduled struct {
	Block audioio.Block
	Start time.Duration
	End   time.Duration
}

// Stats summarizes scheduler activity.
type Stats struct {
	Blocks  int64         `json:"blocks"`
	Samples int64         `json:"samples"`
	Gaps    int64         `json:"gaps"`
	Cursor  time.Duration `json:"cursor"`
	Stopped bool          `json:"stopped"`
	Backend string        `json:"backend"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the playback clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// Scheduler places blocks back to back on a single output sink.
type Scheduler struct {
	sink   audioio.Sink
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	cursor  time.Duration
	stopped bool
	stats   Stats
}

// New creates a scheduler writing to sink, which must already be started.
// Without WithClock the sink's own frame clock is used when it has one,
// otherwise wall time.
func New(sink audioio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{sink: sink}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		if c, ok := sink.(Clock); ok {
			s.clock = c
		} else {
			s.clock = NewWallClock()
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "playback")
	s.stats.Backend = sink.Name()
	return s
}

// Enqueue schedules block right after everything already scheduled, or now
// if the timeline has run dry, and hands it to the sink.
func (s *Scheduler) Enqueue(ctx context.Context, block audioio.Block) (Scheduled, error) {
	if block.SampleRate <= 0 {
		return Scheduled{}, fmt.Errorf("%w: sample rate %d", ErrInvalidBlock, block.SampleRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Scheduled{}, ErrStopped
	}

	now := s.clock.Now()
	start := s.cursor
	if now > start {
		if s.stats.Blocks > 0 {
			s.stats.Gaps++
		}
		start = now
	}
	sched := Scheduled{
		Block: block,
		Start: start,
		End:   start + block.Duration(),
	}

	if err := s.sink.Write(ctx, block); err != nil {
		return Scheduled{}, fmt.Errorf("playback: write: %w", err)
	}

	s.cursor = sched.End
	s.stats.Blocks++
	s.stats.Samples += int64(len(block.Samples))

	s.logger.Debug("block scheduled",
		"start_ms", sched.Start.Milliseconds(),
		"duration_ms", block.Duration().Milliseconds(),
	)
	return sched, nil
}

// Cursor returns the end time of the last scheduled block.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Pending returns how much scheduled audio has not played yet.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	if d := s.cursor - s.clock.Now(); d > 0 {
		return d
	}
	return 0
}

// Stop drops queued audio, closes the sink and resets the timeline.
// Later calls to Enqueue return ErrStopped. Stop is idempotent.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cursor = 0
	s.mu.Unlock()

	var errs []error
	if err := s.sink.Clear(); err != nil {
		errs = append(errs, err)
	}
	if err := s.sink.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Debug("scheduler stopped")
	return errors.Join(errs...)
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Cursor = s.cursor
	st.Stopped = s.stopped
	return st
}
