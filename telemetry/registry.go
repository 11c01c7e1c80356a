package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/metric"

	"github.com/crewforge/crewforge/core"
)

// MetricsRegistry implements core.MetricsRegistry over the OpenTelemetry
// metric API. Instruments are created lazily and cached per name; emission
// is a no-op until an SDK meter provider is installed, which keeps the
// registry safe to use in tests and offline runs.
type MetricsRegistry struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewMetricsRegistry creates a registry on the named meter.
func NewMetricsRegistry(serviceName string) *MetricsRegistry {
	return &MetricsRegistry{
		meter:      otel.Meter(serviceName),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Counter increments a counter metric by 1.
func (r *MetricsRegistry) Counter(name string, labels ...string) {
	counter, err := r.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(pairAttributes(labels)...))
}

// EmitWithContext emits a histogram sample correlated with the trace in
// ctx.
func (r *MetricsRegistry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	histogram, err := r.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, value, metric.WithAttributes(pairAttributes(labels)...))
}

// Gauge sets a gauge metric to a specific value.
func (r *MetricsRegistry) Gauge(name string, value float64, labels ...string) {
	gauge, err := r.gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(pairAttributes(labels)...))
}

// Histogram records a value in a histogram distribution.
func (r *MetricsRegistry) Histogram(name string, value float64, labels ...string) {
	histogram, err := r.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(pairAttributes(labels)...))
}

// GetBaggage returns the OpenTelemetry baggage members carried by ctx.
func (r *MetricsRegistry) GetBaggage(ctx context.Context) map[string]string {
	bag := baggage.FromContext(ctx)
	members := bag.Members()
	if len(members) == 0 {
		return nil
	}
	out := make(map[string]string, len(members))
	for _, m := range members {
		out[m.Key()] = m.Value()
	}
	return out
}

func (r *MetricsRegistry) counter(name string) (metric.Int64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	r.counters[name] = c
	return c, nil
}

func (r *MetricsRegistry) gauge(name string) (metric.Float64Gauge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g, nil
	}
	g, err := r.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	r.gauges[name] = g
	return g, nil
}

func (r *MetricsRegistry) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h, nil
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	r.histograms[name] = h
	return h, nil
}

// pairAttributes converts flat "key, value, key, value" labels into
// attributes, dropping a trailing unpaired key.
func pairAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

var _ core.MetricsRegistry = (*MetricsRegistry)(nil)
