package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/openduck/mallard/pkg/audio"
	"github.com/openduck/mallard/pkg/envelope"
	"github.com/openduck/mallard/pkg/router"
)

// Gateway owns the single browser-facing WebSocket connection of one
// session. Inbound frames are parsed into envelopes and dispatched on
// the frontend-side router; outbound envelopes are serialized as text or
// binary frames. Exactly one Gateway exists per session and it is the
// only owner of its connection handle.
type Gateway struct {
	conn   Conn
	router *router.Router
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewGateway wraps an already-accepted frontend connection.
func NewGateway(conn Conn, rt *router.Router, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{conn: conn, router: rt, logger: logger}
}

// Send serializes env onto the frontend socket: binary frames for audio,
// JSON text frames for everything else. Returns ErrConnClosed once the
// socket is gone; the session manager logs and swallows that, it is
// never a crash.
func (g *Gateway) Send(env envelope.Envelope) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrConnClosed
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.conn.SetWriteDeadline(time.Now().Add(writeWait))

	var err error
	if env.IsAudio() {
		err = g.conn.WriteMessage(binaryMessage, env.Audio)
	} else {
		var data []byte
		data, err = env.Bytes()
		if err != nil {
			return err
		}
		err = g.conn.WriteMessage(textMessage, data)
	}
	if err != nil {
		g.markClosed()
		return ErrConnClosed
	}
	return nil
}

// Run reads frontend frames until the socket closes, dispatching each
// parsed envelope on the frontend-side router. Binary frames become
// audio envelopes and pass through opaquely; malformed text frames are
// dropped with a warning, never session-fatal. Returns a
// DownstreamDisconnect once the socket is gone.
func (g *Gateway) Run() error {
	for {
		msgType, data, err := g.conn.ReadMessage()
		if err != nil {
			g.markClosed()
			return WrapError(KindDownstreamDisconnect, err)
		}

		switch msgType {
		case binaryMessage:
			if err := audio.ValidateFrame(data); err != nil {
				g.logger.Warn("dropping malformed audio frame", "err", err)
				continue
			}
			g.router.Dispatch(envelope.Audio(data))

		case textMessage:
			env, err := envelope.Parse(data)
			if err != nil {
				g.logger.Warn("dropping malformed client frame", "err", err)
				continue
			}
			g.router.Dispatch(env)

		default:
			g.logger.Debug("ignoring frame", "type", msgType)
		}
	}
}

// Close sends a close frame best-effort and tears down the socket.
// Idempotent.
func (g *Gateway) Close() error {
	if !g.markClosed() {
		return nil
	}

	g.writeMu.Lock()
	g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	g.conn.WriteMessage(closeMessage, nil)
	g.writeMu.Unlock()

	return g.conn.Close()
}

// markClosed flips the closed flag, reporting whether this call did it.
func (g *Gateway) markClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	return true
}

// Closed reports whether the frontend socket is known dead.
func (g *Gateway) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
