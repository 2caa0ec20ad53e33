package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the relay's metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	IngestDuration    metric.Float64Histogram
	IngestResults     metric.Int64Counter
	Deliveries        metric.Int64Counter
	Acks              metric.Int64Counter
	AckTimeouts       metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	ActiveConnections metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
	AuthFailures      metric.Int64Counter
	HeartbeatTimeouts metric.Int64Counter
	FallbackPosts     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngestDuration, err = meter.Float64Histogram("hookrelay.ingest.duration",
		metric.WithDescription("Webhook ingestion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestResults, err = meter.Int64Counter("hookrelay.ingest.results",
		metric.WithDescription("Ingested webhooks by result code"),
	)
	if err != nil {
		return nil, err
	}

	m.Deliveries, err = meter.Int64Counter("hookrelay.delivery.sent",
		metric.WithDescription("Webhook frames sent to agents"),
	)
	if err != nil {
		return nil, err
	}

	m.Acks, err = meter.Int64Counter("hookrelay.delivery.acks",
		metric.WithDescription("Deliveries acknowledged by agents"),
	)
	if err != nil {
		return nil, err
	}

	m.AckTimeouts, err = meter.Int64Counter("hookrelay.delivery.ack_timeouts",
		metric.WithDescription("Deliveries whose ack deadline expired, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("hookrelay.queue.depth",
		metric.WithDescription("Events waiting in offline queues"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("hookrelay.connections.active",
		metric.WithDescription("Authenticated agent connections"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("hookrelay.ratelimit.rejects",
		metric.WithDescription("Webhooks rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthFailures, err = meter.Int64Counter("hookrelay.auth.failures",
		metric.WithDescription("Failed agent authentications"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatTimeouts, err = meter.Int64Counter("hookrelay.heartbeat.timeouts",
		metric.WithDescription("Connections closed for missing heartbeats"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbackPosts, err = meter.Int64Counter("hookrelay.fallback.posts",
		metric.WithDescription("HTTP fallback deliveries by result"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordIngest(ctx context.Context, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrResult.String(result))
	m.IngestResults.Add(ctx, 1, attrs)
	m.IngestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordDelivery(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(AttrAttempt.Int(attempt)))
}

func (m *Metrics) RecordAck(ctx context.Context) {
	if m == nil {
		return
	}
	m.Acks.Add(ctx, 1)
}

func (m *Metrics) RecordAckTimeout(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.AckTimeouts.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) AddQueueDepth(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(ctx, delta)
}

func (m *Metrics) AddConnections(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, delta)
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}

func (m *Metrics) RecordAuthFailure(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(AttrResult.String(code)))
}

func (m *Metrics) RecordHeartbeatTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Add(ctx, 1)
}

func (m *Metrics) RecordFallback(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.FallbackPosts.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
}
