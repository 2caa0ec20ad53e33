// Package ingest accepts producer webhooks. Each request passes, in order,
// header presence, signature, freshness, payload schema, replay suppression
// and rate limiting before it is routed to a live connection, an HTTP
// fallback endpoint, or the offline queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/hookrelay/internal/agent"
	"github.com/basket/hookrelay/internal/audit"
	"github.com/basket/hookrelay/internal/delivery"
	"github.com/basket/hookrelay/internal/otel"
	"github.com/basket/hookrelay/internal/queue"
	"github.com/basket/hookrelay/internal/ratelimit"
	"github.com/basket/hookrelay/internal/relayerr"
	"github.com/basket/hookrelay/internal/replay"
	"github.com/basket/hookrelay/internal/security"
	"github.com/basket/hookrelay/internal/shared"
	"github.com/basket/hookrelay/internal/webhook"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Producer request headers.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderEventID   = "X-Event-ID"
)

// Defaults for Config.
const (
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultQueueRetryAfter = 60 * time.Second
)

// Delivery statuses returned to producers.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

// Routes an accepted event can take.
const (
	RouteWebSocket = "websocket"
	RouteFallback  = "http_fallback"
	RouteQueue     = "queue"
)

// AgentLookup resolves relay ids. *agent.Directory implements it.
type AgentLookup interface {
	Lookup(ctx context.Context, relayID string) (agent.Record, error)
	Endpoint(rec agent.Record) (string, error)
}

// Result is an accepted event's outcome.
type Result struct {
	Status    string             `json:"status"`
	EventID   string             `json:"event_id"`
	Route     string             `json:"-"`
	RateLimit ratelimit.Decision `json:"-"`
}

// Config holds the pipeline's collaborators.
type Config struct {
	SigningSecret   []byte
	FreshnessWindow time.Duration
	QueueRetryAfter time.Duration
	Validator       *PayloadValidator
	Replay          *replay.Guard
	Limiter         *ratelimit.Limiter
	Agents          AgentLookup
	Locator         delivery.Locator
	Tracker         *delivery.Tracker
	Queue           queue.Queue
	Forwarder       Forwarder
	Metrics         *otel.Metrics
	Tracer          trace.Tracer
	Audit           *audit.Log
	Logger          *slog.Logger
}

// Pipeline runs the ingestion gates. It is safe for concurrent use.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	// Now is the pipeline's clock. Tests replace it.
	Now func() time.Time
}

// New creates a pipeline. Replay, Limiter, Agents, Tracker, Locator and Queue are required.
func New(cfg Config) *Pipeline {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.QueueRetryAfter <= 0 {
		cfg.QueueRetryAfter = DefaultQueueRetryAfter
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger.With("component", "ingest"), Now: time.Now}
}

// Ingest runs one producer request through every gate. Errors are
// *relayerr.Error values suitable for the HTTP boundary.
func (p *Pipeline) Ingest(ctx context.Context, relayID string, header http.Header, body []byte) (Result, error) {
	start := p.Now()
	ctx = shared.WithRelayID(ctx, relayID)
	ctx, span := otel.StartServerSpan(ctx, p.cfg.Tracer, "ingest.webhook",
		otel.AttrRelayID.String(relayID))
	defer span.End()

	res, err := p.ingest(ctx, relayID, header, body)

	outcome := res.Status
	if err != nil {
		outcome = relayerr.CodeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(otel.AttrResult.String(outcome), otel.AttrEventID.String(res.EventID))
	p.cfg.Metrics.RecordIngest(ctx, outcome, time.Since(start))
	return res, err
}

func (p *Pipeline) ingest(ctx context.Context, relayID string, header http.Header, body []byte) (Result, error) {
	remote := remoteFrom(ctx)

	// Header presence.
	signature := strings.TrimSpace(header.Get(HeaderSignature))
	tsHeader := strings.TrimSpace(header.Get(HeaderTimestamp))
	if signature == "" || tsHeader == "" {
		p.deny(ctx, "missing signature headers", relayID, remote)
		return Result{}, relayerr.Unauthorized(errors.New("missing signature or timestamp header"))
	}

	// Signature.
	if !security.Verify(body, tsHeader, signature, p.cfg.SigningSecret) {
		p.deny(ctx, "signature mismatch", relayID, remote)
		return Result{}, relayerr.Unauthorized(errors.New("signature mismatch"))
	}

	// Freshness.
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		p.deny(ctx, "malformed timestamp", relayID, remote)
		return Result{}, relayerr.Unauthorized(fmt.Errorf("malformed timestamp: %w", err))
	}
	if skew := p.Now().Sub(TimestampTime(ts)); skew > p.cfg.FreshnessWindow || skew < -p.cfg.FreshnessWindow {
		p.deny(ctx, "stale timestamp", relayID, remote)
		return Result{}, relayerr.Unauthorized(fmt.Errorf("timestamp outside %s window", p.cfg.FreshnessWindow))
	}
	p.cfg.Audit.Record(ctx, audit.DecisionAllow, audit.ActionWebhookVerify, "", relayID, remote)

	// Payload.
	if p.cfg.Validator != nil {
		if err := p.cfg.Validator.Validate(body); err != nil {
			return Result{}, relayerr.Wrap(relayerr.KindInvalidPayload, relayerr.CodeInvalidPayload, "payload rejected", err)
		}
	}
	head, _ := webhook.ParseHeader(body)

	ev := webhook.Event{
		ID:         eventID(header, head),
		RelayID:    relayID,
		Timestamp:  ts,
		Signature:  signature,
		Payload:    append([]byte(nil), body...),
		ReceivedAt: p.Now(),
	}
	ctx = shared.WithEventID(ctx, ev.ID)
	res := Result{EventID: ev.ID}

	// Replay.
	fresh, err := p.cfg.Replay.Claim(ctx, ev.ID)
	if err != nil {
		return res, relayerr.Wrap(relayerr.KindInternal, relayerr.CodeInternal, "replay check failed", err)
	}
	if !fresh {
		p.logger.Info("duplicate webhook", shared.LogAttrs(ctx)...)
		return res, relayerr.Duplicate(ev.ID)
	}

	// Rate limit.
	decision, err := p.cfg.Limiter.Allow(ctx, relayID)
	if err != nil {
		p.release(ctx, ev.ID)
		return res, relayerr.Wrap(relayerr.KindInternal, relayerr.CodeInternal, "rate limit check failed", err)
	}
	res.RateLimit = decision
	if !decision.Allowed {
		p.release(ctx, ev.ID)
		p.cfg.Metrics.RecordRateLimitReject(ctx)
		p.logger.Warn("rate limit exceeded", append(shared.LogAttrs(ctx), "retry_after", decision.RetryAfter)...)
		return res, relayerr.RateLimited(decision.RetryAfter)
	}

	// Routing.
	route, err := p.route(ctx, ev)
	if err != nil {
		p.release(ctx, ev.ID)
		return res, err
	}
	res.Route = route
	res.Status = StatusDelivered
	if route == RouteQueue {
		res.Status = StatusQueued
	}
	p.logger.Info("webhook accepted", append(shared.LogAttrs(ctx), "route", route, "remaining", decision.Remaining)...)
	return res, nil
}

func (p *Pipeline) route(ctx context.Context, ev webhook.Event) (string, error) {
	if conn, ok := p.cfg.Locator.Active(ev.RelayID); ok {
		err := p.cfg.Tracker.Deliver(ctx, conn, ev)
		if err == nil {
			return RouteWebSocket, nil
		}
		p.logger.Warn("live delivery failed, using offline path", append(shared.LogAttrs(ctx), "error", err)...)
	}

	rec, err := p.cfg.Agents.Lookup(ctx, ev.RelayID)
	if errors.Is(err, agent.ErrNotFound) {
		return "", relayerr.New(relayerr.KindUnknownAgent, relayerr.CodeUnknownAgent, "no agent registered for this relay id")
	}
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindInternal, relayerr.CodeInternal, "agent lookup failed", err)
	}

	if rec.HasEndpoint() && p.cfg.Forwarder != nil {
		if p.forward(ctx, rec, ev) {
			return RouteFallback, nil
		}
	}

	err = p.cfg.Queue.Enqueue(ctx, ev)
	switch {
	case err == nil:
		p.cfg.Metrics.AddQueueDepth(ctx, 1)
	case errors.Is(err, queue.ErrDuplicate):
	case errors.Is(err, queue.ErrFull):
		p.logger.Warn("offline queue full", shared.LogAttrs(ctx)...)
		return "", relayerr.QueueFull(p.cfg.QueueRetryAfter)
	default:
		return "", relayerr.Wrap(relayerr.KindInternal, relayerr.CodeInternal, "enqueue failed", err)
	}
	return RouteQueue, nil
}

func (p *Pipeline) forward(ctx context.Context, rec agent.Record, ev webhook.Event) bool {
	endpoint, err := p.cfg.Agents.Endpoint(rec)
	if err != nil || endpoint == "" {
		p.logger.Error("fallback endpoint unavailable", append(shared.LogAttrs(ctx), "error", err)...)
		return false
	}
	ctx, span := otel.StartClientSpan(ctx, p.cfg.Tracer, "ingest.fallback",
		otel.AttrRelayID.String(ev.RelayID), otel.AttrEventID.String(ev.ID))
	defer span.End()

	err = p.cfg.Forwarder.Forward(ctx, endpoint, ev)
	p.cfg.Metrics.RecordFallback(ctx, err == nil)
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("http fallback failed, queueing", append(shared.LogAttrs(ctx), "error", err)...)
		return false
	}
	return true
}

// release frees the replay marker so a producer retry is not misread as a duplicate.
func (p *Pipeline) release(ctx context.Context, eventID string) {
	if err := p.cfg.Replay.Release(ctx, eventID); err != nil {
		p.logger.Error("release replay marker", append(shared.LogAttrs(ctx), "error", err)...)
	}
}

func (p *Pipeline) deny(ctx context.Context, reason, relayID, remote string) {
	p.cfg.Audit.Record(ctx, audit.DecisionDeny, audit.ActionWebhookVerify, reason, relayID, remote)
	p.logger.Warn("webhook rejected", append(shared.LogAttrs(ctx), "reason", reason)...)
}

type remoteKey struct{}

// WithRemote records the producer's address for audit entries.
func WithRemote(ctx context.Context, remote string) context.Context {
	return context.WithValue(ctx, remoteKey{}, remote)
}

func remoteFrom(ctx context.Context) string {
	remote, _ := ctx.Value(remoteKey{}).(string)
	return remote
}

func eventID(header http.Header, head webhook.Header) string {
	if id := strings.TrimSpace(header.Get(HeaderEventID)); id != "" {
		return id
	}
	if head.ID != "" {
		return head.ID
	}
	return "evt_" + uuid.NewString()
}

// TimestampTime converts a producer timestamp to a time. Values below 1e12
// are read as Unix seconds, the rest as milliseconds.
func TimestampTime(ts int64) time.Time {
	if ts < 1e12 {
		return time.Unix(ts, 0)
	}
	return time.UnixMilli(ts)
}
