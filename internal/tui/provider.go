package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider polls a running relay's admin API.
type HTTPProvider struct {
	BaseURL    string
	AdminToken string
	Client     *http.Client
}

// NewHTTPProvider returns a provider for the relay at baseURL.
func NewHTTPProvider(baseURL, adminToken string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: adminToken,
		Client:     &http.Client{Timeout: 2 * time.Second},
	}
}

// Snapshot fetches health, metrics and connections. Failures are reported in
// LastError rather than returned so the view keeps refreshing.
func (p *HTTPProvider) Snapshot() Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap := Snapshot{TakenAt: time.Now()}

	var health struct {
		Healthy bool `json:"healthy"`
	}
	if err := p.get(ctx, "/healthz", false, &health); err != nil {
		snap.LastError = describeError(err)
		return snap
	}
	snap.Healthy = health.Healthy

	var metrics struct {
		PendingAcks   int   `json:"pending_acks"`
		Goroutines    int   `json:"goroutines"`
		UptimeSeconds int64 `json:"uptime_seconds"`
	}
	if err := p.get(ctx, "/metrics", true, &metrics); err != nil {
		snap.LastError = describeError(err)
		return snap
	}
	snap.PendingAcks = metrics.PendingAcks
	snap.Goroutines = metrics.Goroutines
	snap.Uptime = time.Duration(metrics.UptimeSeconds) * time.Second

	var conns struct {
		Connections []Connection `json:"connections"`
	}
	if err := p.get(ctx, "/api/connections", true, &conns); err != nil {
		snap.LastError = describeError(err)
		return snap
	}
	snap.Connections = conns.Connections
	return snap
}

func (p *HTTPProvider) get(ctx context.Context, path string, admin bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+p.AdminToken)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && !(path == "/healthz" && resp.StatusCode == http.StatusServiceUnavailable) {
		return &statusError{Path: path, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relay: decode %s: %w", path, err)
	}
	return nil
}
