package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments used by the worker, its loader and
// transports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Engine load metrics
	LoadAttempts otelmetric.Int64Counter
	LoadDuration otelmetric.Float64Histogram

	// Worker metrics
	RequestsTotal   otelmetric.Int64Counter
	RequestErrors   otelmetric.Int64Counter
	RequestDuration otelmetric.Float64Histogram
	QueueDepth      otelmetric.Int64UpDownCounter
	RowsStreamed    otelmetric.Int64Counter
	ExportSize      otelmetric.Int64Histogram

	// HTTP metrics
	HTTPRequestDuration otelmetric.Float64Histogram
	HTTPRequestTotal    otelmetric.Int64Counter
	HTTPRequestErrors   otelmetric.Int64Counter
	HTTPRateLimited     otelmetric.Int64Counter

	// NATS metrics
	NATSMessagesProcessed otelmetric.Int64Counter

	// Snapshot metrics
	SnapshotsSaved otelmetric.Int64Counter
	SnapshotSize   otelmetric.Int64Histogram
}

// NewMetrics creates all metric instruments from the given Meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	// Engine load metrics
	m.LoadAttempts, err = meter.Int64Counter(
		"engine.load.attempts",
		otelmetric.WithDescription("Engine instantiation attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.LoadDuration, err = meter.Float64Histogram(
		"engine.load.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Engine instantiation duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	// Worker metrics
	m.RequestsTotal, err = meter.Int64Counter(
		"worker.requests.total",
		otelmetric.WithDescription("Requests handled by the worker"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter(
		"worker.requests.errors",
		otelmetric.WithDescription("Requests answered with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"worker.request.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Request handling duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter(
		"worker.queue.depth",
		otelmetric.WithDescription("Requests waiting for the worker"),
	)
	if err != nil {
		return nil, err
	}

	m.RowsStreamed, err = meter.Int64Counter(
		"worker.rows.streamed",
		otelmetric.WithDescription("Rows sent by each requests"),
	)
	if err != nil {
		return nil, err
	}

	m.ExportSize, err = meter.Int64Histogram(
		"worker.export.size",
		otelmetric.WithUnit("By"),
		otelmetric.WithDescription("Exported database image sizes in bytes"),
	)
	if err != nil {
		return nil, err
	}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.request.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestTotal, err = meter.Int64Counter(
		"http.request.total",
		otelmetric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestErrors, err = meter.Int64Counter(
		"http.request.errors",
		otelmetric.WithDescription("HTTP request errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRateLimited, err = meter.Int64Counter(
		"http.request.rate_limited",
		otelmetric.WithDescription("HTTP requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	// NATS metrics
	m.NATSMessagesProcessed, err = meter.Int64Counter(
		"nats.messages.processed",
		otelmetric.WithDescription("NATS messages processed"),
	)
	if err != nil {
		return nil, err
	}

	// Snapshot metrics
	m.SnapshotsSaved, err = meter.Int64Counter(
		"snapshot.saved",
		otelmetric.WithDescription("Snapshots written to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.SnapshotSize, err = meter.Int64Histogram(
		"snapshot.size",
		otelmetric.WithUnit("By"),
		otelmetric.WithDescription("Snapshot sizes in bytes"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordLoad records one engine instantiation attempt.
func (m *Metrics) RecordLoad(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := otelmetric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.LoadAttempts.Add(ctx, 1, attrs)
	m.LoadDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordRequest records one handled worker request.
func (m *Metrics) RecordRequest(ctx context.Context, action string, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("action", action))
	m.RequestsTotal.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	if kind != "" {
		m.RequestErrors.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("action", action),
			attribute.String("kind", kind),
		))
	}
}

// QueueChanged adjusts the queue depth gauge by delta.
func (m *Metrics) QueueChanged(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(ctx, delta)
}

// RecordRows counts rows streamed by an each request.
func (m *Metrics) RecordRows(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.RowsStreamed.Add(ctx, n)
}

// RecordExport records the size of an exported image.
func (m *Metrics) RecordExport(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.ExportSize.Record(ctx, int64(size))
}

// RecordNATSMessage counts one request received over NATS.
func (m *Metrics) RecordNATSMessage(ctx context.Context, subject string) {
	if m == nil {
		return
	}
	m.NATSMessagesProcessed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("subject", subject)))
}

// RecordSnapshot records one snapshot written to a store backend.
func (m *Metrics) RecordSnapshot(ctx context.Context, backend string, size int) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("backend", backend))
	m.SnapshotsSaved.Add(ctx, 1, attrs)
	m.SnapshotSize.Record(ctx, int64(size), attrs)
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
