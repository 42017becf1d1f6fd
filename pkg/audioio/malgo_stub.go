//go:build !cgo

package audioio

import (
	"errors"
	"fmt"
	"log/slog"
)

var errNoCgo = errors.New("malgo requires cgo")

func malgoCaptureDevices() ([]DeviceInfo, error) {
	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, errNoCgo)
}

// newMalgoSource returns an error when built without cgo.
func newMalgoSource(cfg Config, logger *slog.Logger) (Source, error) {
	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, errNoCgo)
}

// newMalgoSink returns an error when built without cgo.
func newMalgoSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, errNoCgo)
}
