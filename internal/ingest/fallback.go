package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/hookrelay/internal/protocol"
	"github.com/basket/hookrelay/internal/webhook"
)

// DefaultFallbackTimeout bounds one fallback POST.
const DefaultFallbackTimeout = 10 * time.Second

// Forwarder delivers an event to an agent's HTTP endpoint.
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, ev webhook.Event) error
}

// HTTPForwarder POSTs events to agent endpoints. Any 2xx counts as delivered.
// The producer's signature and timestamp are forwarded unchanged, so agents
// verify both delivery paths the same way.
type HTTPForwarder struct {
	Client *http.Client
}

// NewHTTPForwarder returns a forwarder with the given per-request timeout.
func NewHTTPForwarder(timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = DefaultFallbackTimeout
	}
	return &HTTPForwarder{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPForwarder) Forward(ctx context.Context, endpoint string, ev webhook.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(ev.Payload))
	if err != nil {
		return fmt.Errorf("build fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderRelaySignature, ev.Signature)
	req.Header.Set(protocol.HeaderRelayTimestamp, strconv.FormatInt(ev.Timestamp, 10))
	req.Header.Set(protocol.HeaderRelayEventID, ev.ID)

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fallback post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fallback post: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
