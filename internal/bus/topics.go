package bus

// Proposal lifecycle event topics.
const (
	TopicProposalCreated   = "proposal.created"
	TopicProposalConfirmed = "proposal.confirmed"
	TopicProposalRejected  = "proposal.rejected"
	TopicProposalExpired   = "proposal.expired"
	TopicProposalExecuted  = "proposal.executed"
	TopicProposalFailed    = "proposal.failed"
)

// Guard event topics.
const (
	TopicGuardDenied    = "guard.denied"
	TopicBreakerTripped = "guard.breaker_tripped"
)

// Safety event topics.
const (
	TopicInjectionBlocked = "safety.injection_blocked"
)

// Booking event topics. The external notifier (email) subscribes to these;
// delivery itself is not this process's concern.
const (
	TopicBookingCreated = "booking.created"
	TopicQuoteRequested = "quote.requested"
)

// ProposalEvent is published on every proposal state transition.
type ProposalEvent struct {
	ProposalID string // Proposal ID
	TenantID   string // Owning tenant
	SessionID  string // Owning session
	Operation  string // Executor operation name
	Tier       string // "auto", "soft_confirm", "hard_confirm"
	Status     string // New status
	Reason     string // Optional transition detail
}

// GuardDeniedEvent is published when the rate limiter or circuit breaker
// blocks a tool invocation.
type GuardDeniedEvent struct {
	TenantID  string // Owning tenant
	SessionID string // Session ID
	Tool      string // Tool that was denied
	Reason    string // Stable deny reason code
}

// InjectionBlockedEvent is published when user input is screened out
// before reaching the completion provider.
type InjectionBlockedEvent struct {
	TenantID  string // Owning tenant
	SessionID string // Session ID
	Pattern   string // Matched pattern class (no raw input)
}

// BookingEvent is published when a booking executor commits.
type BookingEvent struct {
	TenantID      string // Owning tenant
	BookingID     string // New booking ID
	EventDate     string // YYYY-MM-DD
	CustomerEmail string // Counterpart contact
}
