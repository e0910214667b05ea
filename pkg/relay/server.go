package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/openduck/mallard/internal/config"
	"github.com/openduck/mallard/internal/log"
	"github.com/openduck/mallard/pkg/tools"
)

// Server accepts frontend WebSocket connections and runs one Session
// per connection. The tool registry is shared across sessions;
// everything else is per-session state.
type Server struct {
	cfg    *config.Config
	tools  *tools.Registry
	logger *slog.Logger

	// opts is appended to every session's options; tests use it to
	// inject an in-memory provider.
	opts []SessionOption

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer creates a relay server for the given configuration.
func NewServer(cfg *config.Config, reg *tools.Registry) *Server {
	return &Server{
		cfg:      cfg,
		tools:    reg,
		logger:   log.L(),
		sessions: make(map[string]*Session),
	}
}

// RegisterRoutes mounts the WebSocket endpoint on a Fiber app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/realtime", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/realtime", websocket.New(func(c *websocket.Conn) {
		s.handleConn(c)
	}))
}

// handleConn runs one session to completion. Returning closes the
// underlying socket, so this blocks for the session's lifetime.
func (s *Server) handleConn(conn Conn) {
	sess := NewSession(s.cfg, conn, s.tools, s.opts...)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
	}()

	if err := sess.Start(context.Background()); err != nil {
		s.logger.Error("session failed to start", "session_id", sess.ID, "err", err)
		return
	}
	if err := sess.Wait(); err != nil {
		s.logger.Warn("session ended with error", "session_id", sess.ID, "err", err)
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops every live session and waits for each to close.
func (s *Server) Shutdown() {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.Stop()
	}
	for _, sess := range sessions {
		sess.Wait()
	}
}
