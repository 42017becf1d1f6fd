package audioio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// FrameHandler receives each captured block after it has been down-mixed and
// resampled to TargetRate. It runs on the engine goroutine and must return
// promptly once ctx is cancelled.
type FrameHandler func(ctx context.Context, block Block)

// CaptureEngine pulls fixed-size blocks from a Source, converts them to the
// 16 kHz PCM16 wire format and hands them to a FrameHandler.
type CaptureEngine struct {
	src     Source
	forward FrameHandler
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	blocks  atomic.Int64
	samples atomic.Int64
}

// CaptureStats counts what the engine has forwarded.
type CaptureStats struct {
	Blocks  int64 `json:"blocks"`
	Samples int64 `json:"samples"`
	Active  bool  `json:"active"`
}

// NewCaptureEngine wraps src. The engine owns src and closes it on Close.
func NewCaptureEngine(src Source, forward FrameHandler, logger *slog.Logger) *CaptureEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureEngine{
		src:     src,
		forward: forward,
		logger:  logger.With("component", "capture"),
	}
}

// Start opens the device and begins forwarding. Device failures wrap
// ErrDeviceUnavailable.
func (e *CaptureEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.running {
		return nil
	}

	if err := e.src.Start(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go e.run(loopCtx, e.src.Stream())

	e.logger.Info("capture engine started",
		"backend", e.src.Name(),
		"device_rate", e.src.Config().SampleRate,
	)
	return nil
}

func (e *CaptureEngine) run(ctx context.Context, stream <-chan Chunk) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-stream:
			if !ok {
				return
			}
			pcm := Downsample(chunk.Mono(), chunk.SampleRate)
			if len(pcm) == 0 {
				continue
			}
			e.blocks.Add(1)
			e.samples.Add(int64(len(pcm)))
			e.forward(ctx, Block{
				Samples:    pcm,
				SampleRate: TargetRate,
				Captured:   chunk.Captured,
			})
		}
	}
}

// Active reports whether the device is capturing.
func (e *CaptureEngine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Close stops forwarding and releases the device. When Close returns no
// further FrameHandler calls are made. It is safe to call more than once.
func (e *CaptureEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := e.running
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := e.src.Close()
	if running {
		e.wg.Wait()
		e.logger.Info("capture engine stopped",
			"blocks", e.blocks.Load(),
			"samples", e.samples.Load(),
		)
	}
	return err
}

// Stats returns forwarding counters.
func (e *CaptureEngine) Stats() CaptureStats {
	return CaptureStats{
		Blocks:  e.blocks.Load(),
		Samples: e.samples.Load(),
		Active:  e.Active(),
	}
}
