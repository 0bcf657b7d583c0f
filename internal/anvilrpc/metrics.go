package anvilrpc

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// anvilrpcMetrics holds the OTel instruments for this server's own
// request traffic, registered against the global delegating provider at
// init time so they forward to a real provider once one is configured
// — the same deferred-registration pattern the dolt storage backend
// uses for its retry/lock-wait instruments.
var anvilrpcMetrics struct {
	maintainRequests metric.Int64Counter
	maintainDuration metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/nathansgreen/anvil/anvilrpc")
	anvilrpcMetrics.maintainRequests, _ = m.Int64Counter("anvil.rpc.maintain_requests",
		metric.WithDescription("POST /maintain requests handled, by outcome"),
		metric.WithUnit("{request}"),
	)
	anvilrpcMetrics.maintainDuration, _ = m.Float64Histogram("anvil.rpc.maintain_duration_ms",
		metric.WithDescription("Time spent enqueuing a /maintain request"),
		metric.WithUnit("ms"),
	)
}

// metricsRecorder keeps a small in-process snapshot alongside the OTel
// instruments so /metrics has something to report even when no real
// metric exporter is configured.
type metricsRecorder struct {
	mu       sync.Mutex
	requests int64
	failures int64
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{}
}

func (r *metricsRecorder) recordMaintainRequest(ctx context.Context, d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	anvilrpcMetrics.maintainRequests.Add(ctx, 1, attrs)
	anvilrpcMetrics.maintainDuration.Record(ctx, float64(d.Milliseconds()), attrs)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	if !ok {
		r.failures++
	}
}

type metricsSnapshot struct {
	MaintainRequests int64 `json:"maintain_requests"`
	MaintainFailures int64 `json:"maintain_failures"`
}

func (r *metricsRecorder) snapshot() metricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return metricsSnapshot{MaintainRequests: r.requests, MaintainFailures: r.failures}
}
