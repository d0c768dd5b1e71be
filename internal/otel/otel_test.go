package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/harborline/concierge/internal/bus"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still hand out no-op instruments")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "test.span", AttrTenantID.String("t1"))
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestObserver_RecordsBusEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	metrics, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	obs := NewObserver(metrics)
	ctx := context.Background()

	obs.record(ctx, bus.Event{Topic: bus.TopicTurnCompleted,
		Payload: bus.TurnEvent{TenantID: "t1", Channel: "internal", Tokens: 42}})
	obs.record(ctx, bus.Event{Topic: bus.TopicProposalCreated,
		Payload: bus.ProposalEvent{TenantID: "t1", Tier: "hard_confirm", Status: "PENDING"}})
	obs.record(ctx, bus.Event{Topic: bus.TopicGuardDenied,
		Payload: bus.GuardDeniedEvent{TenantID: "t1", Tool: "create_booking", Reason: "tool_depth"}})
	obs.record(ctx, bus.Event{Topic: bus.TopicBreakerTripped,
		Payload: bus.GuardDeniedEvent{TenantID: "t1"}})
	obs.record(ctx, bus.Event{Topic: bus.TopicInjectionBlocked,
		Payload: bus.InjectionBlockedEvent{TenantID: "t1", Pattern: "role_manipulation"}})
	obs.record(ctx, bus.Event{Topic: bus.TopicBookingCreated,
		Payload: bus.BookingEvent{TenantID: "t1", BookingID: "b1"}})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			seen[m.Name] = true
		}
	}
	for _, want := range []string{
		"concierge.llm.tokens",
		"concierge.proposals",
		"concierge.guard.denials",
		"concierge.guard.breaker_trips",
		"concierge.safety.injections_blocked",
		"concierge.bookings.created",
	} {
		if !seen[want] {
			t.Errorf("metric %q not recorded; got %v", want, seen)
		}
	}
}
