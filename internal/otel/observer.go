package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/harborline/concierge/internal/bus"
)

// Observer turns bus events into metric increments. It keeps the turn
// pipeline free of telemetry imports; everything it needs is already
// published.
type Observer struct {
	metrics *Metrics
}

func NewObserver(m *Metrics) *Observer {
	return &Observer{metrics: m}
}

// Run consumes events until ctx is done. Call it on its own goroutine.
func (o *Observer) Run(ctx context.Context, eventBus *bus.Bus) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			o.record(ctx, event)
		}
	}
}

func (o *Observer) record(ctx context.Context, event bus.Event) {
	switch p := event.Payload.(type) {
	case bus.TurnEvent:
		if event.Topic != bus.TopicTurnCompleted {
			return
		}
		o.metrics.TokensUsed.Add(ctx, int64(p.Tokens),
			metric.WithAttributes(AttrTenantID.String(p.TenantID), AttrChannel.String(p.Channel)))
	case bus.ProposalEvent:
		o.metrics.ProposalsByState.Add(ctx, 1,
			metric.WithAttributes(
				AttrTenantID.String(p.TenantID),
				AttrTier.String(p.Tier),
				attrStatus.String(p.Status),
			))
	case bus.GuardDeniedEvent:
		if event.Topic == bus.TopicBreakerTripped {
			o.metrics.BreakerTrips.Add(ctx, 1,
				metric.WithAttributes(AttrTenantID.String(p.TenantID)))
			return
		}
		o.metrics.GuardDenials.Add(ctx, 1,
			metric.WithAttributes(
				AttrTenantID.String(p.TenantID),
				AttrToolName.String(p.Tool),
				attrReason.String(p.Reason),
			))
	case bus.InjectionBlockedEvent:
		o.metrics.InjectionsBlock.Add(ctx, 1,
			metric.WithAttributes(AttrTenantID.String(p.TenantID)))
	case bus.BookingEvent:
		if event.Topic == bus.TopicBookingCreated {
			o.metrics.BookingsCreated.Add(ctx, 1,
				metric.WithAttributes(AttrTenantID.String(p.TenantID)))
		}
	}
}

var (
	attrStatus = attribute.Key("concierge.proposal.status")
	attrReason = attribute.Key("concierge.guard.reason")
)
