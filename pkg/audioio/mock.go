package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates synthetic audio (silence or sine wave) at the block rate, or
// delivers exactly what the test pushes when created WithManualFeed.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan Chunk
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// Stats
	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
	manual    bool
	startErr  error
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithManualFeed disables the generator; chunks arrive only through Push.
func WithManualFeed() MockSourceOption {
	return func(m *MockSource) {
		m.manual = true
	}
}

// WithStartError makes Start fail as if the device could not be opened.
func WithStartError(err error) MockSourceOption {
	return func(m *MockSource) {
		m.startErr = err
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		streamCh:  make(chan Chunk, 10),
		stopCh:    make(chan struct{}),
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.startErr != nil {
		return deviceError("mock", "open", m.startErr)
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.streamCh = make(chan Chunk, 10)

	if !m.manual {
		m.wg.Add(1)
		go m.generateLoop(ctx, m.stopCh, m.streamCh)
	}

	m.logger.Info("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
		"manual", m.manual,
	)

	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, stopCh <-chan struct{}, out chan<- Chunk) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.BlockDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			chunk := m.generateChunk()
			select {
			case out <- chunk:
				m.chunksRead.Add(1)
				m.samplesRead.Add(int64(len(chunk.Samples)))
			case <-stopCh:
				return
			default:
				m.overruns.Add(1)
				m.logger.Debug("mock source: buffer full, dropping chunk")
			}
		}
	}
}

func (m *MockSource) generateChunk() Chunk {
	frames := m.cfg.BlockSize
	samples := make([]float32, frames*m.cfg.Channels)

	if m.frequency > 0 {
		for i := 0; i < frames; i++ {
			v := float32(m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate)))
			for ch := 0; ch < m.cfg.Channels; ch++ {
				samples[i*m.cfg.Channels+ch] = v
			}

			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}

	return Chunk{
		Samples:    samples,
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
		Captured:   time.Now(),
	}
}

// Push delivers interleaved samples as one chunk. It reports false when the
// source is not running or the buffer is full.
func (m *MockSource) Push(samples []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return false
	}
	chunk := Chunk{
		Samples:    samples,
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
		Captured:   time.Now(),
	}
	select {
	case m.streamCh <- chunk:
		m.chunksRead.Add(1)
		m.samplesRead.Add(int64(len(samples)))
		return true
	default:
		m.overruns.Add(1)
		return false
	}
}

// Stop halts audio generation.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	streamCh := m.streamCh
	m.mu.Unlock()

	m.wg.Wait()
	close(streamCh)

	m.logger.Info("mock audio source stopped")
	return nil
}

// Read reads the next audio chunk.
func (m *MockSource) Read(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case chunk, ok := <-m.Stream():
		if !ok {
			return Chunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio chunk channel.
func (m *MockSource) Stream() <-chan Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCh
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return string(BackendMock)
}

// Running reports whether the source is capturing.
func (m *MockSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		ChunksRead:  m.chunksRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Overruns:    m.overruns.Load(),
		Running:     running,
		Backend:     string(BackendMock),
	}
}

// Ensure MockSource implements SourceWithStats.
var _ SourceWithStats = (*MockSource)(nil)

// MockSink is a mock audio sink for testing.
// It records every block written but plays nothing.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	startErr error

	// Stats
	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
	clears         atomic.Int64

	buffer  []Block
	history []Block
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &MockSink{
		cfg:    cfg,
		logger: logger,
		buffer: make([]Block, 0, 100),
	}
}

// FailStart makes the next Start calls fail with a device error.
func (m *MockSink) FailStart(err error) {
	m.mu.Lock()
	m.startErr = err
	m.mu.Unlock()
}

// Start begins accepting audio.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.startErr != nil {
		return deviceError("mock", "open", m.startErr)
	}

	m.running = true
	m.logger.Info("mock audio sink started")

	return nil
}

// Stop halts audio acceptance.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	m.buffer = m.buffer[:0]
	m.logger.Info("mock audio sink stopped")

	return nil
}

// Write accepts an audio block.
func (m *MockSink) Write(ctx context.Context, block Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.running {
		return ErrClosed
	}

	m.buffer = append(m.buffer, block)
	m.history = append(m.history, block)

	m.chunksWritten.Add(1)
	m.samplesWritten.Add(int64(len(block.Samples)))

	return nil
}

// Flush simulates waiting for playback.
func (m *MockSink) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	for _, b := range m.buffer {
		total += b.Duration()
	}

	if total > 0 {
		// token wait, never the real duration
		waitTime := total / 100
		if waitTime > 10*time.Millisecond {
			waitTime = 10 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}

	m.buffer = m.buffer[:0]
	return nil
}

// Clear discards buffered audio.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffer = m.buffer[:0]
	m.clears.Add(1)
	m.logger.Debug("mock audio sink cleared")

	return nil
}

// Blocks returns every block written since creation, in write order.
func (m *MockSink) Blocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Block, len(m.history))
	copy(out, m.history)
	return out
}

// Clears returns how many times Clear was called.
func (m *MockSink) Clears() int64 {
	return m.clears.Load()
}

// Running reports whether the sink accepts writes.
func (m *MockSink) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return string(BackendMock)
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	buffered := int64(0)
	for _, b := range m.buffer {
		buffered += int64(len(b.Samples))
	}
	m.mu.Unlock()

	return SinkStats{
		ChunksWritten:   m.chunksWritten.Load(),
		SamplesWritten:  m.samplesWritten.Load(),
		Running:         running,
		Backend:         string(BackendMock),
		BufferedSamples: buffered,
	}
}

// Ensure MockSink implements SinkWithStats.
var _ SinkWithStats = (*MockSink)(nil)
