// Package guard enforces the runaway-loop protections: per-turn tool caps,
// per-session tier budgets, session lifetime ceilings, and a circuit
// breaker on consecutive tool failures. Every denial carries a stable
// reason code so callers can map it to a user-facing message and audit it.
package guard

import (
	"sync"
	"time"

	"github.com/harborline/concierge/internal/bus"
	"github.com/harborline/concierge/internal/config"
	"github.com/harborline/concierge/internal/persistence"
)

// Deny reason codes. These are stable identifiers, not display text.
const (
	ReasonBreakerOpen    = "breaker_open"
	ReasonTurnBudget     = "session_turn_budget"
	ReasonTokenBudget    = "session_token_budget"
	ReasonDurationBudget = "session_duration_budget"
	ReasonToolDepth      = "tool_depth"
	ReasonToolTurnCap    = "tool_turn_cap"
	ReasonToolSessionCap = "tool_session_cap"
	ReasonTierBudget     = "tier_budget"
)

type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Limits is the immutable budget set loaded from configuration.
type Limits struct {
	MaxToolDepth         int
	MaxTurns             int
	MaxTokens            int
	MaxDuration          time.Duration
	MaxConsecutiveErrors int
	// MaxCallsPerTool caps how often any single tool may run over the whole
	// session. Tools may carry a tighter cap of their own.
	MaxCallsPerTool int
	TierBudgets     map[string]int
}

func LimitsFromConfig(cfg config.GuardConfig) Limits {
	budgets := make(map[string]int, len(cfg.TierBudgets))
	for tier, n := range cfg.TierBudgets {
		budgets[tier] = n
	}
	return Limits{
		MaxToolDepth:         cfg.MaxToolDepth,
		MaxTurns:             cfg.MaxTurns,
		MaxTokens:            cfg.MaxTokens,
		MaxDuration:          time.Duration(cfg.MaxDurationMinutes) * time.Minute,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		MaxCallsPerTool:      cfg.MaxCallsPerTool,
		TierBudgets:          budgets,
	}
}

// SessionLimiter tracks one session's consumption against its budgets.
// Turn counters reset on StartTurn; session counters only reset when a new
// session (and therefore a new limiter) is created.
type SessionLimiter struct {
	mu sync.Mutex

	limits    Limits
	tenantID  string
	sessionID string
	startedAt time.Time

	turns        int
	tokens       int
	consecErrors int
	breakerOpen  bool
	tierUsed     map[string]int

	turnDepth        int
	turnToolCalls    map[string]int
	sessionToolCalls map[string]int

	bus *bus.Bus // may be nil
}

func newSessionLimiter(sess *persistence.Session, limits Limits, eventBus *bus.Bus) *SessionLimiter {
	return &SessionLimiter{
		limits:        limits,
		tenantID:      sess.TenantID,
		sessionID:     sess.ID,
		startedAt:     sess.CreatedAt,
		turns:         sess.Turns,
		tokens:        sess.TokensUsed,
		consecErrors:  sess.ConsecutiveErrors,
		breakerOpen:   sess.BreakerTripped,
		tierUsed:         make(map[string]int),
		turnToolCalls:    make(map[string]int),
		sessionToolCalls: make(map[string]int),
		bus:              eventBus,
	}
}

// StartTurn gates a new turn against session-level ceilings and resets the
// per-turn counters. A denied turn does not consume budget.
func (l *SessionLimiter) StartTurn(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.breakerOpen {
		return l.denyLocked("", ReasonBreakerOpen)
	}
	if l.limits.MaxTurns > 0 && l.turns >= l.limits.MaxTurns {
		return l.denyLocked("", ReasonTurnBudget)
	}
	if l.limits.MaxTokens > 0 && l.tokens >= l.limits.MaxTokens {
		return l.denyLocked("", ReasonTokenBudget)
	}
	if l.limits.MaxDuration > 0 && now.Sub(l.startedAt) > l.limits.MaxDuration {
		return l.denyLocked("", ReasonDurationBudget)
	}

	l.turns++
	l.turnDepth = 0
	l.turnToolCalls = make(map[string]int)
	return allow
}

// AllowToolCall gates one tool invocation inside the current turn. Depth is
// counted across all tools; the turn cap, session cap and tier budget are
// per-name, per-name-per-session and per-tier respectively. A zero
// perSessionCap falls back to the configured default. Consumption is
// recorded only on allow.
func (l *SessionLimiter) AllowToolCall(tool, tier string, perTurnCap, perSessionCap int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.breakerOpen {
		return l.denyLocked(tool, ReasonBreakerOpen)
	}
	if l.limits.MaxToolDepth > 0 && l.turnDepth >= l.limits.MaxToolDepth {
		return l.denyLocked(tool, ReasonToolDepth)
	}
	if perTurnCap > 0 && l.turnToolCalls[tool] >= perTurnCap {
		return l.denyLocked(tool, ReasonToolTurnCap)
	}
	if perSessionCap <= 0 {
		perSessionCap = l.limits.MaxCallsPerTool
	}
	if perSessionCap > 0 && l.sessionToolCalls[tool] >= perSessionCap {
		return l.denyLocked(tool, ReasonToolSessionCap)
	}
	if budget, ok := l.limits.TierBudgets[tier]; ok && budget > 0 && l.tierUsed[tier] >= budget {
		return l.denyLocked(tool, ReasonTierBudget)
	}

	l.turnDepth++
	l.turnToolCalls[tool]++
	l.sessionToolCalls[tool]++
	l.tierUsed[tier]++
	return allow
}

func (l *SessionLimiter) denyLocked(tool, reason string) Decision {
	if l.bus != nil {
		l.bus.Publish(bus.TopicGuardDenied, bus.GuardDeniedEvent{
			TenantID:  l.tenantID,
			SessionID: l.sessionID,
			Tool:      tool,
			Reason:    reason,
		})
	}
	return deny(reason)
}

// RecordToolOutcome feeds the circuit breaker. Successes reset the streak;
// the Nth consecutive failure opens the breaker for the session's lifetime.
func (l *SessionLimiter) RecordToolOutcome(failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !failed {
		l.consecErrors = 0
		return
	}
	l.consecErrors++
	if l.limits.MaxConsecutiveErrors > 0 && l.consecErrors >= l.limits.MaxConsecutiveErrors && !l.breakerOpen {
		l.breakerOpen = true
		if l.bus != nil {
			l.bus.Publish(bus.TopicBreakerTripped, bus.GuardDeniedEvent{
				TenantID:  l.tenantID,
				SessionID: l.sessionID,
				Reason:    ReasonBreakerOpen,
			})
		}
	}
}

func (l *SessionLimiter) AddTokens(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > 0 {
		l.tokens += n
	}
}

// BreakerOpen reports whether the session is locked out.
func (l *SessionLimiter) BreakerOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breakerOpen
}

// Snapshot copies the durable counters back onto the session row for the
// end-of-turn checkpoint.
func (l *SessionLimiter) Snapshot(sess *persistence.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess.Turns = l.turns
	sess.TokensUsed = l.tokens
	sess.ConsecutiveErrors = l.consecErrors
	sess.BreakerTripped = l.breakerOpen
}

// Registry hands out one limiter per live session. Tier budgets and the
// per-turn state live only in memory; durable counters are re-seeded from
// the session row when a limiter is first created.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*SessionLimiter
	limits   Limits
	bus      *bus.Bus
}

func NewRegistry(limits Limits, eventBus *bus.Bus) *Registry {
	return &Registry{
		limiters: make(map[string]*SessionLimiter),
		limits:   limits,
		bus:      eventBus,
	}
}

func (r *Registry) ForSession(sess *persistence.Session) *SessionLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[sess.ID]; ok {
		return l
	}
	l := newSessionLimiter(sess, r.limits, r.bus)
	r.limiters[sess.ID] = l
	return l
}

// Evict drops limiters for sessions that no longer exist. Called by the
// session cleanup job alongside DeleteStaleSessions.
func (r *Registry) Evict(sessionIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sessionIDs {
		delete(r.limiters, id)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
