// Package observability exposes run metrics through OpenTelemetry with a
// Prometheus exporter.
package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/animus-labs/animus-grid/internal/claim"
)

const (
	attrOutcome = "outcome"
	attrStatus  = "status"
)

// Metrics records claim outcomes and batch durations for one worker.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	ClaimsTotal   metric.Int64Counter
	BatchesTotal  metric.Int64Counter
	BatchDuration metric.Float64Histogram
}

// NewMetrics builds a meter provider on a private Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("gridworker")
	m := &Metrics{provider: provider}

	m.ClaimsTotal, err = meter.Int64Counter(
		"grid_claims_total",
		metric.WithDescription("Claim attempts by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BatchesTotal, err = meter.Int64Counter(
		"grid_batches_total",
		metric.WithDescription("Claimed batches by final status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BatchDuration, err = meter.Float64Histogram(
		"grid_batch_duration_seconds",
		metric.WithDescription("Processing time of a claimed batch in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 1800, 3600, 10800),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func (m *Metrics) RecordClaim(ctx context.Context, outcome claim.Outcome) {
	m.ClaimsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome.String())))
}

func (m *Metrics) RecordBatch(ctx context.Context, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String(attrStatus, status))
	m.BatchesTotal.Add(ctx, 1, attrs)
	m.BatchDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
