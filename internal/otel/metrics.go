package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Concierge metrics instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallErrors   metric.Int64Counter
	ProposalsByState metric.Int64Counter
	GuardDenials     metric.Int64Counter
	BreakerTrips     metric.Int64Counter
	InjectionsBlock  metric.Int64Counter
	BookingsCreated  metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("concierge.turn.duration",
		metric.WithDescription("Chat turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("concierge.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("concierge.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("concierge.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ProposalsByState, err = meter.Int64Counter("concierge.proposals",
		metric.WithDescription("Proposal transitions by resulting status"),
	)
	if err != nil {
		return nil, err
	}

	m.GuardDenials, err = meter.Int64Counter("concierge.guard.denials",
		metric.WithDescription("Tool invocations denied by the session guard"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("concierge.guard.breaker_trips",
		metric.WithDescription("Session circuit breaker trips"),
	)
	if err != nil {
		return nil, err
	}

	m.InjectionsBlock, err = meter.Int64Counter("concierge.safety.injections_blocked",
		metric.WithDescription("Inputs blocked by the injection screen"),
	)
	if err != nil {
		return nil, err
	}

	m.BookingsCreated, err = meter.Int64Counter("concierge.bookings.created",
		metric.WithDescription("Bookings committed"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("concierge.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
