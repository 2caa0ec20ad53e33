package registry

import (
	"context"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/protocol"
)

// State is a connection's position in the authentication state machine.
type State int

const (
	StateConnecting State = iota
	StateUnauthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one open agent channel. It is owned by the Registry.
type Connection struct {
	channel protocol.Channel
	remote  string
	cancel  context.CancelFunc

	mu          sync.Mutex
	state       State
	relayID     string
	sessionID   string
	version     string
	connectedAt time.Time
	lastPongAt  time.Time

	// registered is set once the connection was inserted into the registry.
	registered bool

	closeOnce  sync.Once
	removeOnce sync.Once
}

func newConnection(ch protocol.Channel, remote string, cancel context.CancelFunc) *Connection {
	return &Connection{channel: ch, remote: remote, cancel: cancel, state: StateConnecting}
}

func (c *Connection) RelayID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayID
}

func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

// Send writes one frame to the agent.
func (c *Connection) Send(ctx context.Context, m protocol.Message) error {
	return c.channel.Send(ctx, m)
}

// transition moves from one state to another and reports whether the
// connection was in the expected state.
func (c *Connection) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Connection) activate(relayID, sessionID, version string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnauthenticated {
		return false
	}
	c.state = StateActive
	c.relayID = relayID
	c.sessionID = sessionID
	c.version = version
	c.connectedAt = now
	c.lastPongAt = now
	return true
}

func (c *Connection) markRegistered() {
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

func (c *Connection) wasRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastPongAt = now
	c.mu.Unlock()
}

// close shuts the channel and cancels the connection's context once.
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		_ = c.channel.Close(code, reason)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

// Info is a point-in-time view of a registered connection.
type Info struct {
	RelayID     string    `json:"relay_id"`
	SessionID   string    `json:"session_id"`
	Remote      string    `json:"remote,omitempty"`
	Version     string    `json:"version,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPongAt  time.Time `json:"last_pong_at"`
}

func (c *Connection) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		RelayID:     c.relayID,
		SessionID:   c.sessionID,
		Remote:      c.remote,
		Version:     c.version,
		ConnectedAt: c.connectedAt,
		LastPongAt:  c.lastPongAt,
	}
}
