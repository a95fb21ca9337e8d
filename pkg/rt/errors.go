package rt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned when an operation requires a started session.
	ErrNotStarted = errors.New("rt: session not started")

	// ErrBackpressure is returned by SendAudio when the outbound audio queue
	// is full. The caller must retry or drop the frame.
	ErrBackpressure = errors.New("rt: audio queue full")

	// ErrSessionClosed is returned when the session has already terminated.
	ErrSessionClosed = errors.New("rt: session closed")

	// ErrDraining is returned by Finalize when a drain is already in progress.
	ErrDraining = errors.New("rt: session already draining")

	// ErrNoCredential is returned when no API key is configured and the
	// environment provides none.
	ErrNoCredential = errors.New("rt: API key required: provide one explicitly or set SPEECHMATICS_API_KEY")
)

// ProtocolError indicates the peer violated the wire protocol: malformed
// JSON, an unexpected discriminator, or a wrong audio sequence number. It is
// fatal for the session.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "rt: protocol error: " + e.Reason
}

// ServerError is an unrecoverable error reported by the server. It is fatal
// for the session.
type ServerError struct {
	Type   string
	Reason string
	Code   int
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rt: server error %s (code %d): %s", e.Type, e.Code, e.Reason)
	}
	return fmt.Sprintf("rt: server error %s: %s", e.Type, e.Reason)
}
