package shared

import (
	"context"
	"testing"
)

func TestTurnDepth_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is 0.
	if got := TurnDepth(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}

	// Set and retrieve.
	ctx = WithTurnDepth(ctx, 2)
	if got := TurnDepth(ctx); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}

	// Overwrite.
	ctx = WithTurnDepth(ctx, 3)
	if got := TurnDepth(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestTenantID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := TenantID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTenantID(ctx, "tenant-1")
	if got := TenantID(ctx); got != "tenant-1" {
		t.Fatalf("expected tenant-1, got %q", got)
	}
}

func TestCustomerID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := CustomerID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithCustomerID(ctx, "cust-9")
	if got := CustomerID(ctx); got != "cust-9" {
		t.Fatalf("expected cust-9, got %q", got)
	}
}

func TestChannel_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Channel(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithChannel(ctx, ChannelPublic)
	if got := Channel(ctx); got != ChannelPublic {
		t.Fatalf("expected %q, got %q", ChannelPublic, got)
	}
}

func TestTraceID_Fallback(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}
