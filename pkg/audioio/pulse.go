package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
)

const pulseAppName = "talkinghead"

// pulsePlaybackLatency is the buffering requested from the server. Frames
// pulled by the server are heard this much later.
const pulsePlaybackLatency = 100 * time.Millisecond

func pulseCaptureDevices() ([]DeviceInfo, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName(pulseAppName))
	if err != nil {
		return nil, deviceError("pulse", "connect", err)
	}
	defer c.Close()

	sources, err := c.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var def string
	if d, err := c.DefaultSource(); err == nil && d != nil {
		def = d.ID()
	}

	devices := make([]DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, DeviceInfo{
			ID:      s.ID(),
			Name:    s.Name(),
			Default: s.ID() == def,
		})
	}
	return devices, nil
}

// PulseSource captures audio from a PulseAudio server.
type PulseSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	client  *pulse.Client
	stream  *pulse.RecordStream

	sendMu   sync.Mutex
	live     bool
	streamCh chan Chunk
	chunker  *chunker

	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newPulseSource(cfg Config, logger *slog.Logger) (Source, error) {
	if cfg.Channels > 2 {
		cfg.Channels = 2
	}
	return &PulseSource{
		cfg:      cfg,
		logger:   logger.With("backend", "pulse"),
		streamCh: make(chan Chunk, 8),
		chunker:  newChunker(cfg),
	}, nil
}

// Start connects to the server and opens a record stream.
func (s *PulseSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName(pulseAppName))
	if err != nil {
		return deviceError("pulse", "connect", err)
	}

	writer := pulse.Float32Writer(func(buf []float32) (int, error) {
		s.onData(buf)
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordSampleRate(s.cfg.SampleRate),
		pulse.RecordLatency(0.05),
	}
	if s.cfg.Channels == 2 {
		opts = append(opts, pulse.RecordStereo)
	} else {
		opts = append(opts, pulse.RecordMono)
	}
	if s.cfg.Device != "" {
		source, err := client.SourceByID(s.cfg.Device)
		if err != nil {
			client.Close()
			return deviceError("pulse", "select source", err)
		}
		opts = append(opts, pulse.RecordSource(source))
	}

	stream, err := client.NewRecord(writer, opts...)
	if err != nil {
		client.Close()
		return deviceError("pulse", "open record stream", err)
	}

	s.sendMu.Lock()
	s.streamCh = make(chan Chunk, 8)
	s.chunker.reset()
	s.live = true
	s.sendMu.Unlock()

	stream.Start()

	s.client = client
	s.stream = stream
	s.running = true

	s.logger.Info("capture started",
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
		"block_size", s.cfg.BlockSize,
	)
	return nil
}

func (s *PulseSource) onData(buf []float32) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.live {
		return
	}
	for _, chunk := range s.chunker.push(buf) {
		select {
		case s.streamCh <- chunk:
			s.chunksRead.Add(1)
			s.samplesRead.Add(int64(len(chunk.Samples)))
		default:
			s.overruns.Add(1)
		}
	}
}

// Stop closes the record stream and the server connection.
func (s *PulseSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.sendMu.Lock()
	s.live = false
	close(s.streamCh)
	s.sendMu.Unlock()

	s.stream.Stop()
	s.stream.Close()
	s.client.Close()
	s.stream = nil
	s.client = nil

	s.logger.Info("capture stopped")
	return nil
}

// Read reads the next captured chunk.
func (s *PulseSource) Read(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case chunk, ok := <-s.Stream():
		if !ok {
			return Chunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the chunk channel.
func (s *PulseSource) Stream() <-chan Chunk {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.streamCh
}

// Config returns the audio configuration.
func (s *PulseSource) Config() Config {
	return s.cfg
}

// Name returns "pulse".
func (s *PulseSource) Name() string {
	return string(BackendPulse)
}

// Close releases the stream for good.
func (s *PulseSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

// Stats returns source statistics.
func (s *PulseSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     string(BackendPulse),
	}
}

// PulseSink plays PCM16 through a PulseAudio server.
type PulseSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	client  *pulse.Client
	stream  *pulse.PlaybackStream
	queue   *sampleQueue

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
}

func newPulseSink(cfg Config, logger *slog.Logger) (Sink, error) {
	// mono out; the server does the channel mapping
	cfg.Channels = 1
	return &PulseSink{
		cfg:    cfg,
		logger: logger.With("backend", "pulse"),
		queue:  newSampleQueue(cfg.SampleRate),
	}, nil
}

// Start connects to the server and opens a playback stream.
func (s *PulseSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName(pulseAppName))
	if err != nil {
		return deviceError("pulse", "connect", err)
	}

	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		s.queue.pull(buf)
		return len(buf), nil
	})

	opts := []pulse.PlaybackOption{
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(s.cfg.SampleRate),
		pulse.PlaybackLatency(pulsePlaybackLatency.Seconds()),
	}
	if s.cfg.Device != "" {
		sink, err := client.SinkByID(s.cfg.Device)
		if err != nil {
			client.Close()
			return deviceError("pulse", "select sink", err)
		}
		opts = append(opts, pulse.PlaybackSink(sink))
	}

	stream, err := client.NewPlayback(reader, opts...)
	if err != nil {
		client.Close()
		return deviceError("pulse", "open playback stream", err)
	}
	stream.Start()

	s.client = client
	s.stream = stream
	s.running = true
	s.logger.Info("playback started", "sample_rate", s.cfg.SampleRate)
	return nil
}

// Stop closes the playback stream and the server connection.
func (s *PulseSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.stream.Stop()
	s.stream.Close()
	s.client.Close()
	s.stream = nil
	s.client = nil
	s.queue.clear()

	s.logger.Info("playback stopped")
	return nil
}

// Write queues a block for playback.
func (s *PulseSink) Write(ctx context.Context, block Block) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrClosed
	}

	samples := block.Samples
	if block.SampleRate != s.cfg.SampleRate {
		samples = Resample(samples, block.SampleRate, s.cfg.SampleRate)
	}
	s.queue.push(samples)
	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(samples)))
	return nil
}

// Flush waits until the server has consumed everything queued.
func (s *PulseSink) Flush(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.queue.waitDrained():
		return nil
	}
}

// Clear discards queued audio.
func (s *PulseSink) Clear() error {
	s.queue.clear()
	return nil
}

// Now returns the stream clock: time of the audio heard so far, which trails
// the frames handed to the server by the requested latency.
func (s *PulseSink) Now() time.Duration {
	return max(s.queue.now()-pulsePlaybackLatency, 0)
}

// Config returns the audio configuration.
func (s *PulseSink) Config() Config {
	return s.cfg
}

// Name returns "pulse".
func (s *PulseSink) Name() string {
	return string(BackendPulse)
}

// Close releases the stream for good.
func (s *PulseSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

// Stats returns sink statistics.
func (s *PulseSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.queue.mu.Lock()
	underruns := s.queue.underruns
	s.queue.mu.Unlock()

	return SinkStats{
		ChunksWritten:   s.chunksWritten.Load(),
		SamplesWritten:  s.samplesWritten.Load(),
		Underruns:       underruns,
		Running:         running,
		Backend:         string(BackendPulse),
		BufferedSamples: s.queue.buffered(),
	}
}

var (
	_ SourceWithStats = (*PulseSource)(nil)
	_ SinkWithStats   = (*PulseSink)(nil)
)
