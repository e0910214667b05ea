package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openduck/mallard/internal/config"
	"github.com/openduck/mallard/internal/log"
	"github.com/openduck/mallard/internal/observe"
	"github.com/openduck/mallard/pkg/audio"
	"github.com/openduck/mallard/pkg/envelope"
	"github.com/openduck/mallard/pkg/router"
	"github.com/openduck/mallard/pkg/tools"
)

// State is the lifecycle phase of a Session.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// playbackInterval is the cadence of the playback pump. Each tick moves
// one interval's worth of PCM from the playback buffer to the client.
const playbackInterval = 20 * time.Millisecond

// SessionOption customises a Session at construction.
type SessionOption func(*Session)

// WithProviderDialer swaps the upstream dial function. Tests use this
// to connect the session to an in-memory provider.
func WithProviderDialer(dial func(ctx context.Context) (Conn, error)) SessionOption {
	return func(s *Session) { s.provider.dial = dial }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics sets the metric instruments. Defaults to
// observe.DefaultMetrics, which may be nil; a nil Metrics disables
// recording.
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Session binds one frontend connection to one provider connection and
// relays between them until either side goes away. Each session owns
// its routers, playback buffer, and goroutines; nothing is shared
// across sessions except the tool registry.
type Session struct {
	ID string

	cfg        *config.Config
	gateway    *Gateway
	provider   *Provider
	buf        *audio.Buffer
	transcript *Transcript

	clientRouter   *router.Router
	providerRouter *router.Router

	metrics *observe.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	state State

	cancel   context.CancelFunc
	stopOnce sync.Once
	errOnce  sync.Once

	seenMu    sync.Mutex
	seenItems map[string]struct{}

	done    chan struct{}
	termErr error
}

// NewSession wires a session around an accepted frontend connection.
// Nothing touches the network until Start.
func NewSession(cfg *config.Config, frontend Conn, reg *tools.Registry, opts ...SessionOption) *Session {
	id := uuid.NewString()
	logger := log.Session(id)

	s := &Session{
		ID:             id,
		cfg:            cfg,
		buf:            audio.NewBuffer(),
		transcript:     NewTranscript(),
		clientRouter:   router.New(logger),
		providerRouter: router.New(logger),
		metrics:        observe.DefaultMetrics,
		logger:         logger,
		state:          StateCreated,
		seenItems:      make(map[string]struct{}),
		done:           make(chan struct{}),
	}
	s.gateway = NewGateway(frontend, s.clientRouter, logger)
	s.provider = NewProvider(cfg.Provider, reg, s.providerRouter, logger)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the state machine from one phase to another,
// reporting whether the move was legal from the current phase.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Start connects upstream, announces the session to the client, and
// launches the relay loops. It returns once the session is active or
// with the error that prevented it; ongoing relay failures are
// delivered through Wait.
func (s *Session) Start(ctx context.Context) error {
	if !s.transition(StateCreated, StateConnecting) {
		return ErrAlreadyStarted
	}

	s.record(func(m *observe.Metrics) {
		m.SessionsTotal.Add(ctx, 1)
		m.ActiveSessions.Add(ctx, 1)
	})
	s.logger.Info("session starting")

	if err := s.provider.Connect(ctx); err != nil {
		s.reportError(err)
		s.Stop()
		return err
	}

	s.registerClientHandlers()
	s.registerProviderHandlers()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.gateway.Run)
	g.Go(s.provider.Run)
	g.Go(func() error {
		s.playbackPump(gctx)
		return nil
	})

	// The read loops only return once their socket dies, so the first
	// failure (or a Stop-driven cancel) must shoot both sockets to let
	// the group drain.
	go func() {
		<-gctx.Done()
		if s.State() == StateActive {
			// A loop failed; report before the peer loop's induced
			// close error can race it in.
			if err := context.Cause(gctx); err != nil && !errors.Is(err, context.Canceled) {
				s.reportError(err)
			}
		}
		s.provider.Close()
		s.gateway.Close()
	}()

	go func() {
		err := g.Wait()
		if err != nil && s.State() == StateActive {
			s.reportError(err)
		}
		s.Stop()
	}()

	if !s.transition(StateConnecting, StateActive) {
		return ErrConnClosed
	}

	if err := s.gateway.Send(envelope.ControlWithID(envelope.ActionConnected, s.ID)); err != nil {
		s.logger.Warn("failed to send connected greeting", "err", err)
	}
	if s.cfg.Provider.WelcomeInstructions != "" {
		if err := s.provider.CreateResponse(s.cfg.Provider.WelcomeInstructions); err != nil {
			s.logger.Warn("failed to request welcome response", "err", err)
		}
	}

	s.logger.Info("session active")
	return nil
}

// registerClientHandlers wires envelopes arriving from the frontend.
func (s *Session) registerClientHandlers() {
	s.clientRouter.Register(envelope.KindAudio, func(env envelope.Envelope) {
		s.record(func(m *observe.Metrics) {
			m.AudioFrames.Add(context.Background(), 1, observe.Direction(observe.DirClientToProvider))
		})
		if err := s.provider.Send(env); err != nil {
			s.logger.Warn("dropping client audio frame", "err", err)
		}
	})

	s.clientRouter.Register(envelope.KindUserMessage, func(env envelope.Envelope) {
		if env.ID != "" && !s.firstSighting(env.ID) {
			s.logger.Debug("skipping duplicate user message", "id", env.ID)
			return
		}
		s.record(func(m *observe.Metrics) {
			m.MessagesRelayed.Add(context.Background(), 1, observe.Direction(observe.DirClientToProvider))
		})
		if err := s.provider.Send(env); err != nil {
			s.logger.Warn("failed to relay user message", "err", err)
		}
	})

	s.clientRouter.Register(envelope.KindControl, func(env envelope.Envelope) {
		switch env.Action {
		case envelope.ActionDisconnect:
			s.logger.Info("client requested disconnect")
			go s.Stop()
		case envelope.ActionClear:
			s.buf.Clear()
		default:
			s.logger.Debug("ignoring client control", "action", env.Action)
		}
	})
}

// registerProviderHandlers wires envelopes normalized from provider
// events.
func (s *Session) registerProviderHandlers() {
	forward := func(env envelope.Envelope) {
		s.record(func(m *observe.Metrics) {
			m.MessagesRelayed.Add(context.Background(), 1, observe.Direction(observe.DirProviderToClient))
		})
		if err := s.gateway.Send(env); err != nil {
			s.logger.Debug("failed to forward to client", "kind", env.Kind, "err", err)
		}
	}

	// Model audio is buffered and paced out by the playback pump, not
	// forwarded inline; that is what makes barge-in cancellation
	// possible.
	s.providerRouter.Register(envelope.KindAudio, func(env envelope.Envelope) {
		if err := s.buf.Append(env.Audio); err != nil {
			s.logger.Warn("dropping malformed provider audio", "err", err)
		}
	})

	s.providerRouter.Register(envelope.KindControl, func(env envelope.Envelope) {
		if env.Action == envelope.ActionSpeechStarted {
			s.bargeIn()
		}
		forward(env)
	})

	s.providerRouter.Register(envelope.KindTextDelta, func(env envelope.Envelope) {
		s.transcript.Add(env.ID, env.Delta)
		forward(env)
	})

	s.providerRouter.Register(envelope.KindAssistantMessage, func(env envelope.Envelope) {
		if env.Final {
			// Fall back to the coalesced deltas when the provider's
			// final omits the text.
			coalesced := s.transcript.Finish(env.ID)
			if env.Text == "" {
				env.Text = coalesced
			}
		}
		forward(env)
	})

	s.providerRouter.Register(envelope.KindUserMessage, forward)
	s.providerRouter.Register(envelope.KindTranscription, forward)
	s.providerRouter.Register(envelope.KindError, forward)
}

// bargeIn drops queued model audio so the user hears silence as soon as
// they start talking over the assistant.
func (s *Session) bargeIn() {
	if s.buf.Len() == 0 {
		return
	}
	s.buf.Clear()
	s.record(func(m *observe.Metrics) {
		m.BargeIns.Add(context.Background(), 1)
	})
	s.logger.Debug("barge-in: cleared playback buffer")
}

// playbackPump paces buffered model audio out to the client in
// real-time sized frames. Draining only when the buffer is non-empty
// keeps idle sessions from streaming silence.
func (s *Session) playbackPump(ctx context.Context) {
	frameBytes := s.cfg.Audio.SampleRate / 50 * audio.BytesPerSample

	ticker := time.NewTicker(playbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.buf.Len() == 0 {
				continue
			}
			frame := s.buf.Drain(frameBytes)
			s.record(func(m *observe.Metrics) {
				m.AudioFrames.Add(ctx, 1, observe.Direction(observe.DirProviderToClient))
			})
			if err := s.gateway.Send(envelope.Audio(frame)); err != nil {
				return
			}
		}
	}
}

// firstSighting records id and reports whether it had not been seen
// before. Duplicate client item ids are dropped to keep retried sends
// from duplicating conversation turns.
func (s *Session) firstSighting(id string) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if _, ok := s.seenItems[id]; ok {
		return false
	}
	s.seenItems[id] = struct{}{}
	return true
}

// reportError delivers at most one error envelope to the client per
// session, no matter how many goroutines fail during teardown.
func (s *Session) reportError(err error) {
	s.errOnce.Do(func() {
		s.termErr = err
		se := AsSessionError(err)
		if se == nil {
			s.logger.Error("session failed", "err", err)
			return
		}

		s.logger.Error("session failed", "kind", se.Kind, "err", se.Err)
		s.record(func(m *observe.Metrics) {
			m.SessionErrors.Add(context.Background(), 1, observe.ErrorKind(string(se.Kind)))
		})
		if se.Reportable() {
			if serr := s.gateway.Send(envelope.Error(se.Error())); serr != nil {
				s.logger.Debug("could not deliver error envelope", "err", serr)
			}
		}
	})
}

// Stop tears the session down: farewell to the client, cancel the
// loops, close both sockets, grace window, then hard close. Safe to
// call from any goroutine, any number of times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		wasActive := s.state == StateActive
		s.state = StateClosing
		s.mu.Unlock()
		s.logger.Info("session closing")

		s.buf.Clear()

		// Best-effort farewell; the socket may already be gone. An
		// active session also tells the client to flush its playback.
		if wasActive {
			s.gateway.Send(envelope.Control(envelope.ActionClear))
		}
		s.gateway.Send(envelope.Control(envelope.ActionDisconnected))

		if s.cancel != nil {
			s.cancel()
		}
		s.provider.Close()

		time.Sleep(s.cfg.Server.CloseGrace)

		s.gateway.Close()
		s.clientRouter.Clear()
		s.providerRouter.Clear()

		s.record(func(m *observe.Metrics) {
			m.ActiveSessions.Add(context.Background(), -1)
		})

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.logger.Info("session closed")
		close(s.done)
	})
}

// Wait blocks until the session has fully closed and returns the
// terminal error, if any. A clean client disconnect returns nil.
func (s *Session) Wait() error {
	<-s.done
	return s.termErr
}

// record runs fn against the session's metrics if they are configured.
func (s *Session) record(fn func(*observe.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
