package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/hookrelay/internal/agent"
	"github.com/basket/hookrelay/internal/protocol"
	"github.com/basket/hookrelay/internal/registry"
)

type singleAgent struct{}

func (singleAgent) Authenticate(_ context.Context, relayID, secret string) (agent.Record, bool) {
	if relayID == "agt_1" && secret == "sk_test" {
		return agent.Record{RelayID: relayID}, true
	}
	return agent.Record{}, false
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_RegistryHeartbeatTimeoutTriggersBackoff(t *testing.T) {
	clk := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.Config{
		Authenticator:     singleAgent{},
		HeartbeatInterval: time.Second,
	})
	reg.Now = clk.Now

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	dial := func(context.Context) (protocol.Channel, error) {
		server, agentEnd := protocol.Pipe()
		go reg.Serve(serveCtx, server, "pipe")
		return agentEnd, nil
	}

	rec := &recorder{}
	c, err := New(Config{
		RelayID:           "agt_1",
		APIKey:            "sk_test",
		ReconnectDelay:    10 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		Dial:              dial,
	}, HandlerFunc(func(context.Context, Event) Result { return Ack() }), rec.events())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec.stateAt = c.State
	cancel, done := runClient(c)
	defer func() {
		cancel()
		<-done
	}()

	waitUntil(t, "first session", func() bool { return c.State() == StateConnected && reg.Count() == 1 })
	first := c.SessionID()

	// Three heartbeat intervals without a pong.
	clk.Advance(4 * time.Second)
	reg.Sweep(context.Background())

	waitUntil(t, "backoff", func() bool { return len(rec.reconnects()) >= 1 })
	if states := rec.backoffStates(); states[0] != StateReconnecting {
		t.Fatalf("expected retryable disconnect before backoff, got %v", states)
	}
	if d := rec.disconnects(); len(d) == 0 || d[0].Reason != protocol.ReasonHeartbeatTimeout {
		t.Fatalf("expected heartbeat_timeout disconnect, got %+v", d)
	}

	waitUntil(t, "new session", func() bool {
		return c.State() == StateConnected && c.SessionID() != first && reg.Count() == 1
	})
}
