package relay

import "time"

// Conn is the subset of a WebSocket connection the relay touches. It is
// satisfied by *websocket.Conn from both gofiber/websocket/v2 (frontend
// side) and gorilla/websocket (provider side), and by in-memory fakes in
// tests.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the connection
	// dies. Closing the connection from another goroutine unblocks it.
	ReadMessage() (messageType int, p []byte, err error)

	// WriteMessage writes one whole frame. Callers serialize writes.
	WriteMessage(messageType int, data []byte) error

	// SetWriteDeadline bounds the next write.
	SetWriteDeadline(t time.Time) error

	// Close tears down the underlying socket. Safe to call more than once.
	Close() error
}

// RFC 6455 frame opcodes. gorilla and gofiber/websocket define the same
// values; these locals keep this package independent of either import.
const (
	textMessage   = 1
	binaryMessage = 2
	closeMessage  = 8
)

// writeWait bounds how long a single frame write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second
