package tutorrt

import (
	"errors"
	"fmt"
)

var (
	// ErrPermission is returned by StartCapture when the microphone could
	// not be acquired. The session stays usable and capture may be retried.
	ErrPermission = errors.New("microphone access denied or unavailable")

	ErrNotConnected     = errors.New("session is not connected")
	ErrSessionActive    = errors.New("session already started")
	ErrAlreadyCapturing = errors.New("capture already active")

	// ErrCaptureCanceled is returned by a StartCapture whose microphone
	// acquisition was canceled by StopCapture.
	ErrCaptureCanceled = errors.New("capture canceled")
)

// ConnectionError reports a transport that failed to open or closed while
// the session was live. It is never retried automatically.
type ConnectionError struct {
	Op  string // "dial" or "read"
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection %s: closed", e.Op)
	}
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CaptureInitError reports that the realtime capture processor could not be
// set up. The controller recovers by falling back to the buffered processor.
type CaptureInitError struct {
	Reason string
}

func (e *CaptureInitError) Error() string {
	return "realtime capture unavailable: " + e.Reason
}

// ServerError is an error the backend reported in a control message.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server: " + e.Message
}

func permissionError(err error) error {
	if err == nil || errors.Is(err, ErrPermission) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermission, err)
}
