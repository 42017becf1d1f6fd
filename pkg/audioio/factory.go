package audioio

import (
	"fmt"
	"log/slog"
	"runtime"
)

// DeviceInfo describes a capture device offered by a backend.
type DeviceInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// NewSource creates a new audio source with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto || backend == "" {
		backend = detectBestBackend()
	}
	cfg.Backend = backend

	logger.Info("creating audio source",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"block_ms", cfg.BlockDuration().Milliseconds(),
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendMalgo:
		return newMalgoSource(cfg, logger)
	case BackendPulse:
		return newPulseSource(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// NewSink creates a new audio sink with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == BackendAuto || backend == "" {
		backend = detectBestBackend()
	}
	cfg.Backend = backend

	logger.Info("creating audio sink",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
	)

	switch backend {
	case BackendMock:
		return NewMockSink(cfg, logger), nil
	case BackendMalgo:
		return newMalgoSink(cfg, logger)
	case BackendPulse:
		return newPulseSink(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// ListCaptureDevices returns the capture devices a backend can open.
func ListCaptureDevices(backend Backend) ([]DeviceInfo, error) {
	if backend == BackendAuto || backend == "" {
		backend = detectBestBackend()
	}
	switch backend {
	case BackendMock:
		return []DeviceInfo{{ID: "mock", Name: "Mock sine generator", Default: true}}, nil
	case BackendMalgo:
		return malgoCaptureDevices()
	case BackendPulse:
		return pulseCaptureDevices()
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// detectBestBackend returns the best available backend for the current platform.
// Linux desktops talk to PulseAudio (or pipewire-pulse) without cgo;
// everything else goes through miniaudio.
func detectBestBackend() Backend {
	switch runtime.GOOS {
	case "linux":
		return BackendPulse
	case "darwin", "windows", "freebsd", "openbsd", "netbsd":
		return BackendMalgo
	default:
		return BackendMock
	}
}

// AvailableBackends returns the list of backends available on this platform.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}

	switch runtime.GOOS {
	case "linux":
		backends = append(backends, BackendPulse, BackendMalgo)
	case "darwin", "windows", "freebsd", "openbsd", "netbsd":
		backends = append(backends, BackendMalgo)
	}

	return backends
}
