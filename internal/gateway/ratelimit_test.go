package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(path, remote string) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = remote
	return req
}

type limiterClock struct{ now time.Time }

func (c *limiterClock) Now() time.Time { return c.now }

func newTestLimiter(rpm, burst int) (*gateway.ConnectLimiter, *limiterClock) {
	clk := &limiterClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := gateway.NewConnectLimiter(config.ConnectLimitConfig{Enabled: true, RequestsPerMinute: rpm, BurstSize: burst}, nil)
	l.Now = clk.Now
	return l, clk
}

func serve(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestFrom(path, remote))
	return rec
}

func TestConnectLimiter_RejectsWithRetryHint(t *testing.T) {
	l, _ := newTestLimiter(30, 3)
	h := l.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		if rec := serve(h, "/ws", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := serve(h, "/ws", "10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	// 30 per minute refills one token every 2s.
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	var body struct {
		Code         string `json:"code"`
		RetryAfterMs int64  `json:"retry_after_ms"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "rate_limit_exceeded" || body.RetryAfterMs != 2000 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestConnectLimiter_RefillsOverTime(t *testing.T) {
	l, clk := newTestLimiter(60, 1)

	if ok, _ := l.Take("10.0.0.1", "ws"); !ok {
		t.Fatal("first take should pass")
	}
	ok, wait := l.Take("10.0.0.1", "ws")
	if ok || wait != time.Second {
		t.Fatalf("expected 1s wait on empty bucket, got ok=%v wait=%v", ok, wait)
	}
	clk.now = clk.now.Add(500 * time.Millisecond)
	if ok, wait := l.Take("10.0.0.1", "ws"); ok || wait != 500*time.Millisecond {
		t.Fatalf("half refilled bucket: ok=%v wait=%v", ok, wait)
	}
	clk.now = clk.now.Add(500 * time.Millisecond)
	if ok, _ := l.Take("10.0.0.1", "ws"); !ok {
		t.Fatal("bucket should have refilled one token")
	}
}

func TestConnectLimiter_IsolatesHostsAndClasses(t *testing.T) {
	l, _ := newTestLimiter(60, 1)
	h := l.Wrap(okHandler())

	for _, remote := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		if rec := serve(h, "/ws", remote); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", remote, rec.Code)
		}
	}
	if rec := serve(h, "/ws", "10.0.0.2:9"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second upgrade from same host: expected 429, got %d", rec.Code)
	}
	if rec := serve(h, "/api/connections", "10.0.0.2:9"); rec.Code != http.StatusOK {
		t.Fatalf("admin calls have their own bucket, got %d", rec.Code)
	}
	if rec := serve(h, "/metrics", "10.0.0.2:9"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("admin bucket should now be empty, got %d", rec.Code)
	}
}

func TestConnectLimiter_SkipsWebhookAndHealthz(t *testing.T) {
	l, _ := newTestLimiter(60, 1)
	h := l.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		for _, path := range []string{"/webhook/agt_1", "/healthz"} {
			if rec := serve(h, path, "10.0.0.1:1"); rec.Code != http.StatusOK {
				t.Fatalf("%s request %d: expected 200, got %d", path, i, rec.Code)
			}
		}
	}
	if l.BucketCount() != 0 {
		t.Fatalf("unlimited paths must not create buckets, got %d", l.BucketCount())
	}
}

func TestConnectLimiter_EvictStale(t *testing.T) {
	l, clk := newTestLimiter(60, 10)
	h := l.Wrap(okHandler())

	for _, remote := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		serve(h, "/ws", remote)
	}
	clk.now = clk.now.Add(5 * time.Minute)
	serve(h, "/ws", "10.0.0.3:2")

	if n := l.EvictStale(time.Hour); n != 0 || l.BucketCount() != 3 {
		t.Fatalf("nothing is an hour old yet: evicted %d, left %d", n, l.BucketCount())
	}
	if n := l.EvictStale(time.Minute); n != 2 || l.BucketCount() != 1 {
		t.Fatalf("expected the two idle hosts evicted, got %d, left %d", n, l.BucketCount())
	}
}

func TestConnectLimiter_Disabled(t *testing.T) {
	l := gateway.NewConnectLimiter(config.ConnectLimitConfig{Enabled: false}, nil)
	h := l.Wrap(okHandler())

	for i := 0; i < 100; i++ {
		if rec := serve(h, "/ws", "10.0.0.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 when disabled, got %d", i, rec.Code)
		}
	}
}
