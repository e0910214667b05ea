package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("relay: connection closed")

	// ErrNotConnected is returned when the provider socket is not open.
	ErrNotConnected = errors.New("relay: provider not connected")

	// ErrAlreadyStarted is returned when a session is started twice.
	ErrAlreadyStarted = errors.New("relay: session already started")

	// ErrMissingAPIKey is returned when no provider credential is configured.
	ErrMissingAPIKey = errors.New("relay: missing API key")
)

// ErrorKind classifies a session error for escalation and reporting.
type ErrorKind string

const (
	// KindHandshake is a frontend or provider connect failure. Session-fatal.
	KindHandshake ErrorKind = "handshake"

	// KindProtocol is a malformed inbound frame. Recovered locally.
	KindProtocol ErrorKind = "protocol"

	// KindUpstreamDisconnect is an unexpected provider socket close.
	// Session-fatal; the frontend is notified before teardown.
	KindUpstreamDisconnect ErrorKind = "upstream_disconnect"

	// KindDownstreamDisconnect is a frontend socket close. Triggers
	// teardown but is reported nowhere: nobody is left to report to.
	KindDownstreamDisconnect ErrorKind = "downstream_disconnect"

	// KindAudioFormat is an unexpected audio frame size or encoding.
	// Recovered locally, offending frame dropped.
	KindAudioFormat ErrorKind = "audio_format"
)

// SessionError wraps an error with its relay classification.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("relay [%s]: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Fatal reports whether this error must escalate to the session state
// machine. Non-fatal kinds are absorbed where they are detected.
func (e *SessionError) Fatal() bool {
	switch e.Kind {
	case KindHandshake, KindUpstreamDisconnect, KindDownstreamDisconnect:
		return true
	}
	return false
}

// Reportable reports whether the frontend should receive an error
// envelope for this failure before the socket closes.
func (e *SessionError) Reportable() bool {
	return e.Fatal() && e.Kind != KindDownstreamDisconnect
}

// WrapError classifies err. A nil err returns nil.
func WrapError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{Kind: kind, Err: err}
}

// AsSessionError extracts a SessionError from err's chain, or nil.
func AsSessionError(err error) *SessionError {
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
