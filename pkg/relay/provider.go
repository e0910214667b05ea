package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openduck/mallard/internal/config"
	"github.com/openduck/mallard/pkg/envelope"
	"github.com/openduck/mallard/pkg/router"
	"github.com/openduck/mallard/pkg/tools"
)

// handshakeTimeout bounds the provider WebSocket dial.
const handshakeTimeout = 10 * time.Second

// sessionParams is the subset of configuration pushed to the provider in
// the session.update event.
type sessionParams struct {
	Instructions         string
	Voice                string
	Temperature          float64
	MaxOutputTokens      int
	VADThreshold         float64
	VADPrefixPaddingMs   int
	VADSilenceDurationMs int
	Tools                []map[string]any
}

// Provider owns the upstream WebSocket connection of one session: dial,
// authentication, outbound translation, and normalization of
// provider-native events onto the provider-side router. It never retries
// a failed connection; retry policy belongs to the caller.
type Provider struct {
	cfg    config.ProviderConfig
	tools  *tools.Registry
	router *router.Router
	logger *slog.Logger

	// dial is swappable in tests.
	dial func(ctx context.Context) (Conn, error)

	conn    Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	connected  bool
	closed     bool
	lastItemID string
}

// NewProvider creates a provider connection manager. The credential is
// supplied at construction and never leaves this type.
func NewProvider(cfg config.ProviderConfig, reg *tools.Registry, rt *router.Router, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{cfg: cfg, tools: reg, router: rt, logger: logger}
	p.dial = p.dialUpstream
	return p
}

// dialUpstream opens the authenticated WebSocket to the realtime endpoint.
func (p *Provider) dialUpstream(ctx context.Context) (Conn, error) {
	url := fmt.Sprintf("%s?model=%s", p.cfg.URL, p.cfg.Model)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect establishes the upstream socket and pushes the session
// configuration. On failure it reports a handshake error and does not
// retry; flapping upstream endpoints stay the caller's policy decision.
func (p *Provider) Connect(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return WrapError(KindHandshake, ErrMissingAPIKey)
	}

	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		return WrapError(KindHandshake, fmt.Errorf("connecting to provider: %w", err))
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.closed = false
	p.mu.Unlock()

	if err := p.configureSession(); err != nil {
		p.Close()
		return WrapError(KindHandshake, fmt.Errorf("configuring session: %w", err))
	}

	p.logger.Info("connected to provider", "model", p.cfg.Model)
	return nil
}

// configureSession pushes model, voice, audio format, VAD, and tool
// settings upstream.
func (p *Provider) configureSession() error {
	params := sessionParams{
		Instructions:         p.cfg.Instructions,
		Voice:                p.cfg.Voice,
		Temperature:          p.cfg.Temperature,
		MaxOutputTokens:      p.cfg.MaxOutputTokens,
		VADThreshold:         p.cfg.VAD.Threshold,
		VADPrefixPaddingMs:   int(p.cfg.VAD.PrefixPadding.Milliseconds()),
		VADSilenceDurationMs: int(p.cfg.VAD.SilenceDuration.Milliseconds()),
	}
	if p.tools != nil {
		params.Tools = p.tools.Specs()
	}
	return p.sendJSON(sessionUpdateEvent(params))
}

// Send translates env to the provider's native event shape and writes
// it upstream. Envelopes go out in submission order over the single
// serialized stream; there is no reordering or batching.
func (p *Provider) Send(env envelope.Envelope) error {
	switch env.Kind {
	case envelope.KindUserMessage:
		itemID := env.ID
		if itemID == "" {
			itemID = newItemID()
		}

		p.mu.Lock()
		prev := p.lastItemID
		p.lastItemID = itemID
		p.mu.Unlock()

		if err := p.sendJSON(itemCreateEvent(itemID, prev, env.Text)); err != nil {
			return err
		}
		// Text input gets a text-only response.
		return p.sendJSON(responseCreateEvent([]string{"text"}, p.cfg.Instructions, p.cfg.Temperature, p.cfg.MaxOutputTokens))

	case envelope.KindAudio:
		return p.sendJSON(audioAppendEvent(env.Audio))

	default:
		p.logger.Debug("no provider mapping for envelope", "kind", env.Kind)
		return nil
	}
}

// CreateResponse asks the provider to speak with one-off instructions.
// Used for the welcome greeting when a session becomes active.
func (p *Provider) CreateResponse(instructions string) error {
	return p.sendJSON(responseCreateEvent([]string{"text", "audio"}, instructions, 0, 0))
}

// Interrupt cancels the in-flight response, if any.
func (p *Provider) Interrupt() error {
	return p.sendJSON(map[string]string{"type": "response.cancel"})
}

// Run reads provider events until the socket closes, normalizing each
// into envelopes dispatched on the provider-side router. Loss of the
// socket surfaces as an UpstreamDisconnect so the frontend sees a clear
// terminal state instead of a silent hang.
func (p *Provider) Run() error {
	for {
		p.mu.Lock()
		conn, closed := p.conn, p.closed
		p.mu.Unlock()

		if closed || conn == nil {
			return WrapError(KindUpstreamDisconnect, ErrConnClosed)
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			closed = p.closed
			p.mu.Unlock()
			if closed {
				// Deliberate teardown, not an upstream failure.
				return WrapError(KindUpstreamDisconnect, ErrConnClosed)
			}
			return WrapError(KindUpstreamDisconnect, err)
		}

		ev, err := decodeEvent(data)
		if err != nil {
			p.logger.Warn("dropping undecodable provider event", "err", err)
			continue
		}

		p.handleEvent(ev)
	}
}

// handleEvent routes one decoded provider event.
func (p *Provider) handleEvent(ev providerEvent) {
	switch ev.Type {
	case "session.created", "session.updated":
		p.logger.Debug("provider session event", "type", ev.Type)
		return

	case "response.function_call_arguments.done":
		p.handleFunctionCall(ev)
		return
	}

	envs, err := normalize(ev)
	if err != nil {
		p.logger.Warn("dropping malformed provider event", "type", ev.Type, "err", err)
		return
	}
	if envs == nil {
		p.logger.Debug("unhandled provider event", "type", ev.Type)
		return
	}
	for _, env := range envs {
		p.router.Dispatch(env)
	}
}

// handleFunctionCall executes the named tool and feeds the result back
// so the model can continue the response.
func (p *Provider) handleFunctionCall(ev providerEvent) {
	if p.tools == nil {
		p.logger.Warn("function call with no tool registry", "name", ev.Name)
		return
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
		args = map[string]any{}
	}

	p.logger.Info("executing tool", "name", ev.Name, "call_id", ev.CallID)
	result := p.tools.Execute(tools.Call{ID: ev.CallID, Name: ev.Name, Arguments: args})

	if err := p.sendJSON(toolOutputEvent(ev.CallID, result)); err != nil {
		p.logger.Warn("failed to send tool result", "err", err)
		return
	}
	if err := p.sendJSON(responseCreateEvent([]string{"text", "audio"}, "", 0, 0)); err != nil {
		p.logger.Warn("failed to request response after tool", "err", err)
	}
}

// Close tears down the upstream socket. Idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.connected = false
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether the upstream socket is open.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && !p.closed
}

// newItemID mints a conversation item id in the provider's accepted
// shape (short, no dashes).
func newItemID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// sendJSON writes one JSON event upstream under the write mutex.
func (p *Provider) sendJSON(v any) error {
	p.mu.Lock()
	conn, ok := p.conn, p.connected && !p.closed
	p.mu.Unlock()

	if !ok || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(textMessage, data); err != nil {
		return fmt.Errorf("sending to provider: %w", err)
	}
	return nil
}
