package conversation

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-talkinghead/pkg/audioio"
)

// Sentinel errors for the conversation package.
var (
	// ErrNotConfigured indicates the agent endpoint was not provided.
	ErrNotConfigured = errors.New("conversation: not configured")

	// ErrNotConnected indicates the session has no open connection.
	ErrNotConnected = errors.New("conversation: not connected")

	// ErrAlreadyActive indicates Start was called while connecting or connected.
	ErrAlreadyActive = errors.New("conversation: already active")

	// ErrSessionClosed indicates use of a session after Close.
	ErrSessionClosed = errors.New("conversation: session closed")

	// ErrConnectionClosed indicates the agent closed the connection normally.
	ErrConnectionClosed = errors.New("conversation: connection closed")

	// ErrDeviceUnavailable indicates an audio device could not be acquired.
	ErrDeviceUnavailable = audioio.ErrDeviceUnavailable
)

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	// Field names the offending setting.
	Field string

	// Reason is the human-readable problem.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("conversation: invalid %s: %s: %v", e.Field, e.Reason, e.Cause)
	}
	return fmt.Sprintf("conversation: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// Is reports ErrNotConfigured as a match.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrNotConfigured
}

// DeviceAcquisitionError reports that a microphone or speaker could not be
// opened. The session stays connected without that device.
type DeviceAcquisitionError struct {
	// Device is "microphone" or "speaker".
	Device string

	// Cause is the backend error.
	Cause error
}

// Error implements the error interface.
func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("conversation: %s unavailable: %v", e.Device, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *DeviceAcquisitionError) Unwrap() error {
	return e.Cause
}

// Is reports ErrDeviceUnavailable as a match.
func (e *DeviceAcquisitionError) Is(target error) bool {
	return target == ErrDeviceUnavailable
}

// TransportError represents a WebSocket connection error.
type TransportError struct {
	// Reason describes why the connection failed.
	Reason string

	// StatusCode is the HTTP status of a rejected handshake, 0 otherwise.
	StatusCode int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	reason := e.Reason
	if e.StatusCode != 0 {
		reason = fmt.Sprintf("%s (status %d)", reason, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("conversation: connection error: %s: %v", reason, e.Cause)
	}
	return fmt.Sprintf("conversation: connection error: %s", reason)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new TransportError.
func NewTransportError(reason string, cause error) *TransportError {
	return &TransportError{Reason: reason, Cause: cause}
}

func newHandshakeError(status int, cause error) *TransportError {
	return &TransportError{Reason: "handshake rejected", StatusCode: status, Cause: cause}
}

// Error checking helpers.

// IsNotConnected returns true if the error indicates no connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionClosed)
}


// IsMalformedFrame returns true if err is an inbound decoding failure.
func IsMalformedFrame(err error) bool {
	return audioio.IsMalformedFrame(err)
}

// userMessage turns an error into text suitable for an end user.
func userMessage(err error) string {
	var cfgErr *ConfigurationError
	var devErr *DeviceAcquisitionError
	var tErr *TransportError
	switch {
	case errors.As(err, &cfgErr):
		return "The agent connection is not configured: " + cfgErr.Reason + "."
	case errors.As(err, &devErr) && devErr.Device == deviceMicrophone:
		return "Could not access the microphone. Check that it is connected and that this program may use it."
	case errors.As(err, &devErr):
		return "Could not open the audio output device."
	case errors.As(err, &tErr):
		return "The connection to the agent failed. Check the logs for details."
	default:
		return err.Error()
	}
}
