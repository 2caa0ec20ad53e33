package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/relayerr"
)

const (
	defaultConnectsPerMinute = 60
	defaultConnectBurst      = 10
)

// Request classes get separate buckets so a dashboard polling the admin API
// cannot starve agents reconnecting from the same host.
const (
	classAgent = "ws"
	classAdmin = "admin"
)

type bucketKey struct {
	host  string
	class string
}

// connectBucket is a token bucket refilled continuously at the limiter's rate.
type connectBucket struct {
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

// ConnectLimiter throttles WebSocket upgrades and admin calls per client
// host. Producer webhooks are limited per agent by the ingest pipeline, so
// /webhook/ and /healthz pass through untouched.
type ConnectLimiter struct {
	enabled bool
	perSec  float64
	burst   float64
	logger  *slog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*connectBucket

	// Now is the limiter's clock. Tests replace it.
	Now func() time.Time
}

// NewConnectLimiter builds a limiter from the connect_limit config section.
func NewConnectLimiter(cfg config.ConnectLimitConfig, logger *slog.Logger) *ConnectLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultConnectsPerMinute
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = defaultConnectBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectLimiter{
		enabled: cfg.Enabled,
		perSec:  float64(rpm) / 60,
		burst:   float64(burst),
		logger:  logger,
		buckets: make(map[bucketKey]*connectBucket),
		Now:     time.Now,
	}
}

// Take spends one token for host in class. When the bucket is empty it
// reports how long until the next token.
func (l *ConnectLimiter) Take(host, class string) (bool, time.Duration) {
	now := l.Now()
	key := bucketKey{host: host, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &connectBucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.perSec)
	}
	b.lastRefill = now
	b.lastUsed = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	return false, wait
}

// StartEviction drops idle buckets every interval until ctx is cancelled.
func (l *ConnectLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets unused for maxAge and returns how many went.
func (l *ConnectLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := l.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		l.logger.Debug("connect limiter eviction", "evicted", evicted, "remaining", len(l.buckets))
	}
	return evicted
}

// BucketCount is reported on /metrics as limiter_buckets.
func (l *ConnectLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Wrap applies the limiter to /ws and the admin paths.
func (l *ConnectLimiter) Wrap(next http.Handler) http.Handler {
	if !l.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := ""
		switch {
		case r.URL.Path == "/ws":
			class = classAgent
		case isAdminPath(r.URL.Path):
			class = classAdmin
		default:
			next.ServeHTTP(w, r)
			return
		}

		ok, wait := l.Take(remoteHost(r), class)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Code:         relayerr.CodeRateLimitExceeded,
				Message:      "too many requests from this address",
				RetryAfterMs: wait.Milliseconds(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
