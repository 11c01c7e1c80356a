package telemetry

import (
	"context"
	"testing"

	"github.com/crewforge/crewforge/core"
)

func TestProviderStartSpan(t *testing.T) {
	p, err := NewProvider(Config{ServiceName: "test-service"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, span := p.StartSpan(context.Background(), "unit.test")
	if ctx == nil || span == nil {
		t.Fatal("expected context and span")
	}
	span.SetAttribute("task.id", "t1")
	span.SetAttribute("attempt", 2)
	span.RecordError(nil)
	span.End()
}

func TestMetricsRegistryEmission(t *testing.T) {
	r := NewMetricsRegistry("test-service")
	// Without an SDK meter provider these are no-ops; the point is that
	// none of them panic or allocate per-call instruments.
	r.Counter("scheduler.tasks.completed", "crew", "demo")
	r.Counter("scheduler.tasks.completed", "crew", "demo")
	r.Gauge("scheduler.running", 3, "crew", "demo")
	r.Histogram("task.duration_ms", 12.5)
	r.EmitWithContext(context.Background(), "task.duration_ms", 9.0, "crew", "demo")

	if got := r.GetBaggage(context.Background()); got != nil {
		t.Fatalf("empty context should carry no baggage, got %v", got)
	}
}

func TestProviderRegistersGlobalRegistry(t *testing.T) {
	p, err := NewProvider(Config{ServiceName: "registry-test"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if core.GetGlobalMetricsRegistry() == nil {
		t.Fatal("provider must register the metrics registry with core")
	}
}

func TestPairAttributesDropsUnpairedKey(t *testing.T) {
	attrs := pairAttributes([]string{"a", "1", "dangling"})
	if len(attrs) != 1 {
		t.Fatalf("attrs = %v", attrs)
	}
}
