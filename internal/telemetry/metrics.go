package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/JayeshGamer/GoGoGoGrocery2"

// Metrics holds the instruments recorded by sync and checkout.
type Metrics struct {
	syncCycles       metric.Int64Counter
	syncConflicts    metric.Int64Counter
	checkouts        metric.Int64Counter
	checkoutDuration metric.Float64Histogram
	ordersPublished  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	if m.syncCycles, err = meter.Int64Counter("cart.sync.cycles",
		metric.WithDescription("Sync cycles by outcome")); err != nil {
		return nil, err
	}
	if m.syncConflicts, err = meter.Int64Counter("cart.sync.conflicts",
		metric.WithDescription("Carts moved to conflict pending")); err != nil {
		return nil, err
	}
	if m.checkouts, err = meter.Int64Counter("cart.checkouts",
		metric.WithDescription("Checkout attempts by outcome")); err != nil {
		return nil, err
	}
	if m.checkoutDuration, err = meter.Float64Histogram("cart.checkout.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ordersPublished, err = meter.Int64Counter("cart.orders.published"); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default builds metrics on the global meter provider. Instrument creation
// only fails on invalid names, so errors fall back to a no-op meter.
func Default() *Metrics {
	m, err := NewMetrics(otel.Meter(instrumentationName))
	if err != nil {
		m, _ = NewMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func (m *Metrics) SyncCycle(ctx context.Context, outcome string) {
	m.syncCycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) SyncConflict(ctx context.Context) {
	m.syncConflicts.Add(ctx, 1)
}

func (m *Metrics) Checkout(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.checkouts.Add(ctx, 1, attrs)
	m.checkoutDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) OrderPublished(ctx context.Context, ok bool) {
	m.ordersPublished.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// Tracer returns the tracer used across the module.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
