package audioio

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame indicates PCM16 framing that cannot be decoded.
	ErrMalformedFrame = errors.New("audioio: malformed frame")

	// ErrDeviceUnavailable indicates the audio device could not be opened
	// (missing, busy, or permission denied).
	ErrDeviceUnavailable = errors.New("audioio: device unavailable")

	// ErrClosed indicates use of a source or sink after Close.
	ErrClosed = errors.New("audioio: closed")
)

// MalformedFrameError describes why a frame failed to decode.
type MalformedFrameError struct {
	// Reason describes the defect.
	Reason string

	// Cause is the underlying decoder error, if any.
	Cause error
}

// Error implements the error interface.
func (e *MalformedFrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("audioio: malformed frame: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("audioio: malformed frame: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *MalformedFrameError) Unwrap() error {
	return e.Cause
}

// Is reports ErrMalformedFrame as a match.
func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

// IsMalformedFrame returns true if err is a frame decoding failure.
func IsMalformedFrame(err error) bool {
	return errors.Is(err, ErrMalformedFrame)
}

// deviceError wraps a backend failure so callers can match ErrDeviceUnavailable.
func deviceError(backend, op string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrDeviceUnavailable, backend, op, err)
}
