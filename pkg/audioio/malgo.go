//go:build cgo

package audioio

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

func malgoCaptureDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, deviceError("malgo", "init context", err)
	}
	defer func() {
		ctx.Uninit()
		ctx.Free()
	}()

	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:      hex.EncodeToString(d.ID[:]),
			Name:    d.Name(),
			Default: d.IsDefault != 0,
		})
	}
	return result, nil
}

func malgoDeviceID(id string) (malgo.DeviceID, error) {
	var devID malgo.DeviceID
	raw, err := hex.DecodeString(id)
	if err != nil {
		return devID, fmt.Errorf("invalid device ID %q: %w", id, err)
	}
	copy(devID[:], raw)
	return devID, nil
}

// MalgoSource captures audio through miniaudio.
type MalgoSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	ctx     *malgo.AllocatedContext
	device  *malgo.Device

	// sendMu guards streamCh against the device callback.
	sendMu   sync.Mutex
	live     bool
	streamCh chan Chunk
	chunker  *chunker

	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newMalgoSource(cfg Config, logger *slog.Logger) (Source, error) {
	return &MalgoSource{
		cfg:      cfg,
		logger:   logger.With("backend", "malgo"),
		streamCh: make(chan Chunk, 8),
		chunker:  newChunker(cfg),
	}, nil
}

// Start opens the capture device.
func (s *MalgoSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return deviceError("malgo", "init context", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(s.cfg.Channels)
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	if s.cfg.Device != "" {
		devID, err := malgoDeviceID(s.cfg.Device)
		if err != nil {
			mctx.Uninit()
			mctx.Free()
			return deviceError("malgo", "select device", err)
		}
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			s.onData(input)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return deviceError("malgo", "init capture device", err)
	}

	s.sendMu.Lock()
	s.streamCh = make(chan Chunk, 8)
	s.chunker.reset()
	s.live = true
	s.sendMu.Unlock()

	if err := dev.Start(); err != nil {
		s.sendMu.Lock()
		s.live = false
		close(s.streamCh)
		s.sendMu.Unlock()
		dev.Uninit()
		mctx.Uninit()
		mctx.Free()
		return deviceError("malgo", "start capture", err)
	}

	s.ctx = mctx
	s.device = dev
	s.running = true

	s.logger.Info("capture started",
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
		"block_size", s.cfg.BlockSize,
	)
	return nil
}

func (s *MalgoSource) onData(input []byte) {
	floats := make([]float32, len(input)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.live {
		return
	}
	for _, chunk := range s.chunker.push(floats) {
		select {
		case s.streamCh <- chunk:
			s.chunksRead.Add(1)
			s.samplesRead.Add(int64(len(chunk.Samples)))
		default:
			s.overruns.Add(1)
		}
	}
}

// Stop halts capture and releases the device.
func (s *MalgoSource) Stop() error {
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

	s.device.Stop()
	s.device.Uninit()
	s.ctx.Uninit()
	s.ctx.Free()
	s.device = nil
	s.ctx = nil

	s.logger.Info("capture stopped")
	return nil
}

// Read reads the next captured chunk.
func (s *MalgoSource) Read(ctx context.Context) (Chunk, error) {
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
func (s *MalgoSource) Stream() <-chan Chunk {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.streamCh
}

// Config returns the audio configuration.
func (s *MalgoSource) Config() Config {
	return s.cfg
}

// Name returns "malgo".
func (s *MalgoSource) Name() string {
	return string(BackendMalgo)
}

// Close releases the device for good.
func (s *MalgoSource) Close() error {
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
func (s *MalgoSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     string(BackendMalgo),
	}
}

// MalgoSink plays PCM16 through miniaudio.
type MalgoSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	queue   *sampleQueue

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
}

func newMalgoSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return &MalgoSink{
		cfg:    cfg,
		logger: logger.With("backend", "malgo"),
		queue:  newSampleQueue(cfg.SampleRate),
	}, nil
}

// Start opens the playback device.
func (s *MalgoSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return deviceError("malgo", "init context", err)
	}

	channels := s.cfg.Channels
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	if s.cfg.Device != "" {
		devID, err := malgoDeviceID(s.cfg.Device)
		if err != nil {
			mctx.Uninit()
			mctx.Free()
			return deviceError("malgo", "select device", err)
		}
		deviceConfig.Playback.DeviceID = devID.Pointer()
	}

	var mono []int16
	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			if cap(mono) < int(frameCount) {
				mono = make([]int16, frameCount)
			}
			mono = mono[:frameCount]
			s.queue.pull(mono)
			for i, v := range mono {
				for ch := 0; ch < channels; ch++ {
					binary.LittleEndian.PutUint16(output[(i*channels+ch)*2:], uint16(v))
				}
			}
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return deviceError("malgo", "init playback device", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		mctx.Uninit()
		mctx.Free()
		return deviceError("malgo", "start playback", err)
	}

	s.ctx = mctx
	s.device = dev
	s.running = true
	s.logger.Info("playback started", "sample_rate", s.cfg.SampleRate)
	return nil
}

// Stop halts playback and releases the device.
func (s *MalgoSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.device.Stop()
	s.device.Uninit()
	s.ctx.Uninit()
	s.ctx.Free()
	s.device = nil
	s.ctx = nil
	s.queue.clear()

	s.logger.Info("playback stopped")
	return nil
}

// Write queues a block for playback.
func (s *MalgoSink) Write(ctx context.Context, block Block) error {
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

// Flush waits until the device has consumed everything queued.
func (s *MalgoSink) Flush(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.queue.waitDrained():
		return nil
	}
}

// Clear discards queued audio.
func (s *MalgoSink) Clear() error {
	s.queue.clear()
	return nil
}

// Now returns the device clock.
func (s *MalgoSink) Now() time.Duration {
	return s.queue.now()
}

// Config returns the audio configuration.
func (s *MalgoSink) Config() Config {
	return s.cfg
}

// Name returns "malgo".
func (s *MalgoSink) Name() string {
	return string(BackendMalgo)
}

// Close releases the device for good.
func (s *MalgoSink) Close() error {
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
func (s *MalgoSink) Stats() SinkStats {
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
		Backend:         string(BackendMalgo),
		BufferedSamples: s.queue.buffered(),
	}
}

var (
	_ SourceWithStats = (*MalgoSource)(nil)
	_ SinkWithStats   = (*MalgoSink)(nil)
)
