// Package registry holds the relay's live agent connections. It runs the
// per-connection authentication state machine and the heartbeat sweep, and
// guarantees at most one active connection per relay id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/agent"
	"github.com/basket/hookrelay/internal/audit"
	"github.com/basket/hookrelay/internal/bus"
	"github.com/basket/hookrelay/internal/delivery"
	"github.com/basket/hookrelay/internal/otel"
	"github.com/basket/hookrelay/internal/protocol"
	"github.com/basket/hookrelay/internal/relayerr"
	"github.com/basket/hookrelay/internal/shared"
	"github.com/google/uuid"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultAuthTimeout       = 10 * time.Second
	DefaultMaxAuthAttempts   = 5

	// missedPongs is how many heartbeat intervals may pass without a pong.
	missedPongs = 3

	sendTimeout = 5 * time.Second
)

// Authenticator checks agent credentials. *agent.Directory implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, relayID, secret string) (agent.Record, bool)
}

// AckHandler receives acknowledgments from active connections.
type AckHandler interface {
	Acknowledge(ctx context.Context, relayID, eventID string) bool
}

// ConnectNotifier is told about every agent that becomes routable.
// *delivery.Drainer implements it. Notify must not block.
type ConnectNotifier interface {
	Notify(relayID string)
}

// Config holds the registry's collaborators and timing.
type Config struct {
	Authenticator     Authenticator
	Acks              AckHandler
	OnConnect         ConnectNotifier
	Bus               *bus.Bus
	Metrics           *otel.Metrics
	Audit             *audit.Log
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	MaxAuthAttempts   int
	// WebhookBaseURL prefixes the producer-facing URL sent in auth_success.
	WebhookBaseURL string
}

// Registry maps relay ids to their single active Connection.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	// Now is the registry's clock. Tests replace it.
	Now func() time.Time
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.MaxAuthAttempts <= 0 {
		cfg.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	cfg.WebhookBaseURL = strings.TrimRight(cfg.WebhookBaseURL, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.With("component", "registry"),
		conns:  make(map[string]*Connection),
		Now:    time.Now,
	}
}

// SetAckHandler attaches the delivery tracker once it exists.
func (r *Registry) SetAckHandler(h AckHandler) {
	r.mu.Lock()
	r.cfg.Acks = h
	r.mu.Unlock()
}

// SetConnectNotifier attaches the offline queue drainer once it exists.
func (r *Registry) SetConnectNotifier(n ConnectNotifier) {
	r.mu.Lock()
	r.cfg.OnConnect = n
	r.mu.Unlock()
}

// Get returns the active connection for relayID.
func (r *Registry) Get(relayID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[relayID]
	return c, ok
}

// Active implements delivery.Locator.
func (r *Registry) Active(relayID string) (delivery.Conn, bool) {
	c, ok := r.Get(relayID)
	if !ok {
		return nil, false
	}
	return c, true
}

// ActiveRelayIDs implements delivery.ActiveLister.
func (r *Registry) ActiveRelayIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for relayID := range r.conns {
		out = append(out, relayID)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot lists registered connections sorted by relay id.
func (r *Registry) Snapshot() []Info {
	conns := r.snapshot()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelayID < out[j].RelayID })
	return out
}

// WebhookURL is the producer-facing ingestion URL for relayID.
func (r *Registry) WebhookURL(relayID string) string {
	return r.cfg.WebhookBaseURL + "/webhook/" + relayID
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// register makes c the active connection for its relay id and returns the
// connection it replaced, if any.
func (r *Registry) register(c *Connection) *Connection {
	relayID := c.RelayID()
	r.mu.Lock()
	prev := r.conns[relayID]
	r.conns[relayID] = c
	r.mu.Unlock()
	c.markRegistered()
	if prev == c {
		return nil
	}
	return prev
}

// deregister removes c if it is still the registered connection. Safe to call
// more than once.
func (r *Registry) deregister(c *Connection, reason string) {
	c.removeOnce.Do(func() {
		relayID := c.RelayID()
		r.mu.Lock()
		if cur, ok := r.conns[relayID]; ok && cur == c {
			delete(r.conns, relayID)
		}
		r.mu.Unlock()

		// Connections that never became routable produced no connect
		// side effects to undo.
		if relayID == "" || !c.wasRegistered() {
			return
		}
		r.cfg.Metrics.AddConnections(context.Background(), -1)
		if r.cfg.Bus != nil {
			r.cfg.Bus.Publish(bus.TopicAgentDisconnected, bus.AgentDisconnectedEvent{
				RelayID:   relayID,
				SessionID: c.SessionID(),
				Reason:    reason,
			})
		}
		r.logger.Info("agent disconnected", "relay_id", relayID, "session_id", c.SessionID(), "reason", reason)
	})
}

// Serve runs the connection state machine on ch until the channel closes or
// ctx is cancelled. It returns the reason the connection ended.
func (r *Registry) Serve(ctx context.Context, ch protocol.Channel, remote string) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newConnection(ch, remote, cancel)
	c.transition(StateConnecting, StateUnauthenticated)

	reason := r.authenticate(ctx, c)
	if c.State() == StateActive {
		reason = r.receive(ctx, c)
	}
	r.deregister(c, reason)
	c.close(protocol.CloseNormal, reason)
	return reason
}

func (r *Registry) authenticate(ctx context.Context, c *Connection) string {
	timer := time.AfterFunc(r.cfg.AuthTimeout, func() {
		if !c.transition(StateUnauthenticated, StateClosed) {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		// The credentials were never judged, so this is a retryable
		// disconnect rather than an auth_error.
		_ = c.Send(sctx, protocol.Disconnect{Reason: protocol.ReasonAuthTimeout, Message: "authentication timed out"})
		r.cfg.Metrics.RecordAuthFailure(sctx, relayerr.CodeAuthTimeout)
		c.close(protocol.ClosePolicy, protocol.ReasonAuthTimeout)
	})
	defer timer.Stop()

	attempts := 0
	for {
		msg, err := c.channel.Receive(ctx)
		if err != nil {
			var de *protocol.DecodeError
			if !errors.As(err, &de) {
				if c.State() == StateClosed {
					return protocol.ReasonAuthTimeout
				}
				return closeReason(err)
			}
		}

		auth, ok := msg.(protocol.Auth)
		if !ok {
			attempts++
			_ = c.Send(ctx, protocol.Error{
				Code:    relayerr.CodeAuthenticationRequired,
				Message: "first message must be auth",
			})
			if attempts >= r.cfg.MaxAuthAttempts {
				r.cfg.Metrics.RecordAuthFailure(ctx, relayerr.CodeAuthenticationRequired)
				c.close(protocol.ClosePolicy, relayerr.CodeAuthenticationRequired)
				return relayerr.CodeAuthenticationRequired
			}
			continue
		}

		if r.login(ctx, c, auth) {
			return ""
		}
		return protocol.ReasonAuthFailed
	}
}

func (r *Registry) login(ctx context.Context, c *Connection, auth protocol.Auth) bool {
	var (
		rec agent.Record
		ok  bool
	)
	if auth.RelayID != "" && auth.APIKey != "" && r.cfg.Authenticator != nil {
		rec, ok = r.cfg.Authenticator.Authenticate(ctx, auth.RelayID, auth.APIKey)
	}
	if !ok {
		r.cfg.Audit.Record(ctx, audit.DecisionDeny, audit.ActionAgentAuth, relayerr.CodeInvalidCredentials, auth.RelayID, c.remote)
		r.cfg.Metrics.RecordAuthFailure(ctx, relayerr.CodeInvalidCredentials)
		// One generic answer for unknown ids and wrong secrets.
		_ = c.Send(ctx, protocol.AuthError{Code: relayerr.CodeInvalidCredentials, Message: "Invalid credentials"})
		c.close(protocol.ClosePolicy, protocol.ReasonAuthFailed)
		r.logger.Warn("agent authentication failed", "relay_id", auth.RelayID, "remote", c.remote)
		return false
	}

	now := r.Now()
	sessionID := uuid.NewString()
	if !c.activate(rec.RelayID, sessionID, auth.Version, now) {
		// The auth timer fired first.
		return false
	}
	r.cfg.Audit.Record(ctx, audit.DecisionAllow, audit.ActionAgentAuth, "", rec.RelayID, c.remote)

	err := c.Send(ctx, protocol.AuthSuccess{
		SessionID:  sessionID,
		WebhookURL: r.WebhookURL(rec.RelayID),
		Timestamp:  protocol.NowMillis(now),
	})
	if err != nil {
		r.logger.Debug("auth_success not delivered", "relay_id", rec.RelayID, "error", err)
		c.close(protocol.CloseGoingAway, closeReason(err))
		return false
	}

	// auth_success goes out before the connection becomes routable so no
	// webhook frame can overtake it.
	if prev := r.register(c); prev != nil {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_ = prev.Send(sctx, protocol.Disconnect{
			Reason:  protocol.ReasonSessionReplaced,
			Message: "a newer connection authenticated for this relay id",
		})
		cancel()
		prev.close(protocol.CloseNormal, protocol.ReasonSessionReplaced)
		r.deregister(prev, protocol.ReasonSessionReplaced)
	}
	r.cfg.Metrics.AddConnections(ctx, 1)

	r.mu.RLock()
	notifier := r.cfg.OnConnect
	r.mu.RUnlock()
	if notifier != nil {
		notifier.Notify(rec.RelayID)
	}

	logCtx := shared.WithSessionID(shared.WithRelayID(ctx, rec.RelayID), sessionID)
	r.logger.Info("agent connected", append(shared.LogAttrs(logCtx), "remote", c.remote, "version", auth.Version)...)

	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(bus.TopicAgentConnected, bus.AgentConnectedEvent{
			RelayID:     rec.RelayID,
			SessionID:   sessionID,
			ConnectedAt: now,
		})
	}
	return true
}

func (r *Registry) receive(ctx context.Context, c *Connection) string {
	for {
		msg, err := c.channel.Receive(ctx)
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				_ = c.Send(ctx, protocol.Error{Code: relayerr.CodeInvalidMessage, Message: de.Error()})
				continue
			}
			return closeReason(err)
		}

		switch m := msg.(type) {
		case protocol.Pong:
			c.touch(r.Now())
		case protocol.Ack:
			r.mu.RLock()
			acks := r.cfg.Acks
			r.mu.RUnlock()
			if acks != nil {
				acks.Acknowledge(ctx, c.RelayID(), m.ID)
			}
		default:
			_ = c.Send(ctx, protocol.Error{
				Code:    relayerr.CodeInvalidMessage,
				Message: fmt.Sprintf("unexpected %s frame", msg.Type()),
			})
		}
	}
}

// Sweep runs one heartbeat pass: idle connections are closed and the rest
// are pinged.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.Now()
	limit := missedPongs * r.cfg.HeartbeatInterval
	for _, c := range r.snapshot() {
		if c.State() != StateActive {
			continue
		}
		if now.Sub(c.LastPongAt()) > limit {
			r.cfg.Metrics.RecordHeartbeatTimeout(ctx)
			r.logger.Warn("heartbeat timeout", "relay_id", c.RelayID(), "session_id", c.SessionID(), "last_pong_at", c.LastPongAt())
			c.close(protocol.CloseGoingAway, protocol.ReasonHeartbeatTimeout)
			r.deregister(c, protocol.ReasonHeartbeatTimeout)
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := c.Send(sctx, protocol.Ping{Timestamp: protocol.NowMillis(now)}); err != nil {
			r.logger.Debug("ping failed", "relay_id", c.RelayID(), "error", err)
		}
		cancel()
	}
}

// StartHeartbeat runs Sweep every heartbeat interval until ctx is cancelled.
func (r *Registry) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Shutdown tells every agent the server is going away and closes them.
func (r *Registry) Shutdown(ctx context.Context, reconnectAfter time.Duration) {
	conns := r.snapshot()
	for _, c := range conns {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_ = c.Send(sctx, protocol.Disconnect{
			Reason:           protocol.ReasonServerShutdown,
			Message:          "relay is shutting down",
			ReconnectAfterMs: reconnectAfter.Milliseconds(),
		})
		cancel()
		c.close(protocol.CloseGoingAway, protocol.ReasonServerShutdown)
		r.deregister(c, protocol.ReasonServerShutdown)
	}
	if len(conns) > 0 {
		r.logger.Info("registry shut down", "closed", len(conns))
	}
}

func closeReason(err error) string {
	var ce *protocol.CloseError
	switch {
	case errors.As(err, &ce) && ce.Reason != "":
		return ce.Reason
	case errors.Is(err, protocol.ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "receive_error"
	}
}
