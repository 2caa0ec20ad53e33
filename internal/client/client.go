// Package client is the agent side of the relay protocol. A Client keeps one
// authenticated channel open, dispatches webhooks to a Handler, answers
// heartbeats, and reconnects with jittered exponential backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/protocol"
	"github.com/basket/hookrelay/internal/relayerr"
	"github.com/basket/hookrelay/internal/security"
	"github.com/coder/websocket"
)

// Defaults for Config.
const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultAuthTimeout       = 10 * time.Second
	DefaultReadLimit         = 1 << 20
	Version                  = "hookrelay-go/0.1.0"
)

// ErrReconnectExhausted is returned by Run when MaxReconnectAttempts is used up.
var ErrReconnectExhausted = relayerr.New(relayerr.KindReconnectExhausted, relayerr.CodeReconnectExhausted, "max reconnect attempts reached")

// State is the client's connection state.
type State int

const (
	// StateDisconnected is the state of a client that has not run yet.
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	// StateReconnecting is a retryable disconnect: the client is waiting out
	// its backoff before the next dial.
	StateReconnecting
	// StateClosed is a terminal disconnect. Run has returned or is about to.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the client has stopped for good.
func (s State) Terminal() bool { return s == StateClosed }

// Dialer opens a channel to the relay.
type Dialer func(ctx context.Context) (protocol.Channel, error)

// Config configures a Client.
type Config struct {
	URL     string // relay WebSocket URL, e.g. wss://relay.example.com/ws
	RelayID string
	APIKey  string
	Version string

	// NoReconnect disables automatic reconnection.
	NoReconnect          bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 means unlimited
	HeartbeatInterval    time.Duration
	AuthTimeout          time.Duration

	// SigningSecret, when set, rejects webhook frames whose producer
	// signature does not verify. Rejected events are not acknowledged.
	SigningSecret []byte

	Logger *slog.Logger
	// Dial overrides the WebSocket dialer, mainly for tests.
	Dial Dialer
}

// ConnectedEvent is passed to Events.OnConnected.
type ConnectedEvent struct {
	WebhookURL string
	SessionID  string
	Timestamp  int64
}

// DisconnectedEvent is passed to Events.OnDisconnected.
type DisconnectedEvent struct {
	Reason         string
	Message        string
	ReconnectAfter time.Duration
}

// ReconnectingEvent is passed to Events.OnReconnecting.
type ReconnectingEvent struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// Events are optional lifecycle callbacks. They run on the client's goroutine
// and must not block.
type Events struct {
	OnConnected    func(ConnectedEvent)
	OnDisconnected func(DisconnectedEvent)
	OnReconnecting func(ReconnectingEvent)
	OnError        func(error)
}

// Client maintains the agent's relay connection.
type Client struct {
	cfg     Config
	handler Handler
	events  Events
	logger  *slog.Logger
	jitter  *jitter

	mu              sync.Mutex
	state           State
	shouldReconnect bool
	sessionID       string
	webhookURL      string
	lastPing        time.Time
	attempt         int
	stop            context.CancelFunc

	// Now is the client's clock. Tests replace it.
	Now func() time.Time
}

// New validates cfg and returns an idle client.
func New(cfg Config, h Handler, events Events) (*Client, error) {
	if cfg.Dial == nil && cfg.URL == "" {
		return nil, errors.New("client: relay URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("client: api key is required")
	}
	if h == nil {
		return nil, errors.New("client: handler is required")
	}
	if cfg.Version == "" {
		cfg.Version = Version
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:             cfg,
		handler:         h,
		events:          events,
		logger:          logger.With("component", "relay_client", "relay_id", cfg.RelayID),
		jitter:          newJitter(),
		shouldReconnect: true,
		Now:             time.Now,
	}
	if c.cfg.Dial == nil {
		c.cfg.Dial = c.dialWebSocket
	}
	return c, nil
}

func (c *Client) dialWebSocket(ctx context.Context) (protocol.Channel, error) {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(DefaultReadLimit)
	return protocol.NewWSChannel(conn), nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the current or last session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// WebhookURL returns the producer-facing URL reported by the relay.
func (c *Client) WebhookURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webhookURL
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Disconnect stops the client for good: the receive loop and heartbeat
// monitor are cancelled, then the channel is closed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// sessionEnd explains why one session ended.
type sessionEnd struct {
	err            error
	reconnectAfter time.Duration
	terminal       bool
}

// Run connects and serves until ctx is cancelled, Disconnect is called, or a
// terminal error occurs. Authentication failures and a replaced session are
// terminal; everything else is retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	c.mu.Lock()
	if !c.shouldReconnect {
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.stop = stop
	c.attempt = 0
	c.mu.Unlock()

	for {
		end := c.session(ctx)
		if ctx.Err() == nil && c.reconnecting() && !end.terminal && !c.cfg.NoReconnect {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateClosed)
		}

		if ctx.Err() != nil || !c.reconnecting() {
			return nil
		}
		if end.terminal {
			c.reportError(end.err)
			return end.err
		}
		if end.err != nil {
			c.reportError(end.err)
		}
		if c.cfg.NoReconnect {
			return end.err
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()
		if limit := c.cfg.MaxReconnectAttempts; limit > 0 && attempt > limit {
			c.setState(StateClosed)
			c.logger.Error("max reconnect attempts reached", "attempts", limit)
			c.reportError(ErrReconnectExhausted)
			return ErrReconnectExhausted
		}

		delay := Backoff(attempt, c.cfg.ReconnectDelay, c.jitter.next())
		if end.reconnectAfter > 0 {
			delay = end.reconnectAfter
		}
		c.logger.Info("reconnecting", "attempt", attempt, "max_attempts", c.cfg.MaxReconnectAttempts, "delay", delay)
		if c.events.OnReconnecting != nil {
			c.events.OnReconnecting(ReconnectingEvent{Attempt: attempt, MaxAttempts: c.cfg.MaxReconnectAttempts, Delay: delay})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldReconnect
}

func (c *Client) session(ctx context.Context) sessionEnd {
	c.setState(StateConnecting)
	ch, err := c.cfg.Dial(ctx)
	if err != nil {
		return sessionEnd{err: fmt.Errorf("dial relay: %w", err)}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		// Stop the receive side and the heartbeat monitor before closing.
		cancel()
		wg.Wait()
		_ = ch.Close(protocol.CloseNormal, "client closing")
	}()

	if end, ok := c.authenticate(sessCtx, ch); !ok {
		return end
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.monitorHeartbeat(sessCtx, ch)
	}()

	return c.receive(sessCtx, ch)
}

func (c *Client) authenticate(ctx context.Context, ch protocol.Channel) (sessionEnd, bool) {
	c.setState(StateAuthenticating)
	if err := ch.Send(ctx, protocol.Auth{RelayID: c.cfg.RelayID, APIKey: c.cfg.APIKey, Version: c.cfg.Version}); err != nil {
		return sessionEnd{err: fmt.Errorf("send auth: %w", err)}, false
	}

	authCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()
	for {
		msg, err := ch.Receive(authCtx)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				continue
			}
			return sessionEnd{err: fmt.Errorf("await auth response: %w", err)}, false
		}
		switch m := msg.(type) {
		case protocol.AuthSuccess:
			now := c.Now()
			c.mu.Lock()
			c.state = StateConnected
			c.sessionID = m.SessionID
			c.webhookURL = m.WebhookURL
			c.lastPing = now
			c.attempt = 0
			c.mu.Unlock()
			c.logger.Info("connected to relay", "session_id", m.SessionID, "webhook_url", m.WebhookURL)
			if c.events.OnConnected != nil {
				c.events.OnConnected(ConnectedEvent{WebhookURL: m.WebhookURL, SessionID: m.SessionID, Timestamp: m.Timestamp})
			}
			return sessionEnd{}, true
		case protocol.AuthError:
			if m.Code == relayerr.CodeAuthTimeout {
				// Older relays report their own auth timeout this way. It says
				// nothing about the credentials.
				c.logger.Warn("relay timed out authentication, retrying")
				c.disconnected(DisconnectedEvent{Reason: protocol.ReasonAuthTimeout, Message: m.Message})
				return sessionEnd{}, false
			}
			c.logger.Error("relay rejected credentials", "code", m.Code)
			return sessionEnd{
				err:      relayerr.New(relayerr.KindAuthentication, m.Code, m.Message),
				terminal: true,
			}, false
		case protocol.Disconnect:
			c.logger.Warn("relay disconnected during auth", "reason", m.Reason, "reconnect_after", m.ReconnectAfter())
			c.disconnected(DisconnectedEvent{Reason: m.Reason, Message: m.Message, ReconnectAfter: m.ReconnectAfter()})
			return sessionEnd{reconnectAfter: m.ReconnectAfter()}, false
		case protocol.Error:
			c.logger.Warn("relay error during auth", "code", m.Code, "message", m.Message)
		default:
			c.logger.Warn("unexpected frame during auth", "type", msg.Type())
		}
	}
}

func (c *Client) receive(ctx context.Context, ch protocol.Channel) sessionEnd {
	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				c.logger.Warn("undecodable frame", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return sessionEnd{}
			}
			reason := "connection_closed"
			var ce *protocol.CloseError
			if errors.As(err, &ce) && ce.Reason != "" {
				reason = ce.Reason
			}
			c.logger.Info("connection closed", "reason", reason)
			c.disconnected(DisconnectedEvent{Reason: reason, Message: err.Error()})
			if reason == protocol.ReasonHeartbeatTimeout {
				return sessionEnd{err: relayerr.Wrap(relayerr.KindHeartbeatTimeout, relayerr.CodeHeartbeatTimeout, "heartbeat timeout", err)}
			}
			return sessionEnd{}
		}

		switch m := msg.(type) {
		case protocol.Webhook:
			c.handleWebhook(ctx, ch, m)
		case protocol.Ping:
			c.mu.Lock()
			c.lastPing = c.Now()
			c.mu.Unlock()
			if err := ch.Send(ctx, protocol.Pong{Timestamp: protocol.NowMillis(c.Now())}); err != nil {
				c.logger.Warn("send pong", "error", err)
			}
		case protocol.Error:
			c.logger.Warn("relay error", "code", m.Code, "message", m.Message)
			c.reportError(relayerr.New(relayerr.KindInvalidMessage, m.Code, m.Message))
		case protocol.Disconnect:
			c.logger.Warn("relay requested disconnect", "reason", m.Reason, "reconnect_after", m.ReconnectAfter())
			c.disconnected(DisconnectedEvent{Reason: m.Reason, Message: m.Message, ReconnectAfter: m.ReconnectAfter()})
			if m.Reason == protocol.ReasonSessionReplaced {
				return sessionEnd{
					err:      relayerr.New(relayerr.KindAuthentication, protocol.ReasonSessionReplaced, "another connection took over this relay id"),
					terminal: true,
				}
			}
			return sessionEnd{reconnectAfter: m.ReconnectAfter()}
		default:
			c.logger.Warn("unexpected frame", "type", msg.Type())
		}
	}
}

func (c *Client) handleWebhook(ctx context.Context, ch protocol.Channel, m protocol.Webhook) {
	ev := Event{ID: m.ID, Timestamp: m.Timestamp, Signature: m.Signature, Payload: m.Payload}
	if len(c.cfg.SigningSecret) > 0 &&
		!security.Verify(m.Payload, strconv.FormatInt(m.Timestamp, 10), m.Signature, c.cfg.SigningSecret) {
		c.logger.Warn("webhook signature invalid, not acknowledging", "event_id", m.ID)
		c.reportError(relayerr.Unauthorized(fmt.Errorf("event %s", m.ID)))
		return
	}

	res, err := dispatch(ctx, c.handler, ev)
	if err != nil {
		c.logger.Error("webhook handler failed", "event_id", m.ID, "error", err)
		c.reportError(err)
	}
	if !res.Acked() {
		c.logger.Info("webhook deferred", "event_id", m.ID, "reason", res.Reason())
		return
	}
	if err := ch.Send(ctx, protocol.Ack{ID: m.ID, Timestamp: protocol.NowMillis(c.Now())}); err != nil {
		c.logger.Warn("send ack", "event_id", m.ID, "error", err)
	}
}

// monitorHeartbeat closes ch if no ping arrives within three intervals.
func (c *Client) monitorHeartbeat(ctx context.Context, ch protocol.Channel) {
	interval := c.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := c.Now().Sub(c.lastPing)
			c.mu.Unlock()
			if idle > 3*interval {
				c.logger.Warn("heartbeat timeout, closing connection", "idle", idle)
				_ = ch.Close(protocol.CloseGoingAway, protocol.ReasonHeartbeatTimeout)
				return
			}
		}
	}
}

func (c *Client) disconnected(ev DisconnectedEvent) {
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected(ev)
	}
}

func (c *Client) reportError(err error) {
	if err != nil && c.events.OnError != nil {
		c.events.OnError(err)
	}
}
