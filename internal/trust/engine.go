package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborline/concierge/internal/persistence"
)

var (
	ErrUnknownOperation = errors.New("no executor registered for operation")
	// ErrNotActionable means the proposal is no longer PENDING: already
	// decided, expired, or executed.
	ErrNotActionable = errors.New("proposal is not actionable")
)

// Options bounds the engine's timing behavior.
type Options struct {
	// ExpiryInternal / ExpiryPublic are the proposal confirmation windows
	// per channel.
	ExpiryInternal time.Duration
	ExpiryPublic   time.Duration

	// ExecutorTimeout bounds each executor invocation.
	ExecutorTimeout time.Duration
}

func (o *Options) normalize() {
	if o.ExpiryInternal <= 0 {
		o.ExpiryInternal = time.Hour
	}
	if o.ExpiryPublic <= 0 {
		o.ExpiryPublic = 10 * time.Minute
	}
	if o.ExecutorTimeout <= 0 {
		o.ExecutorTimeout = 30 * time.Second
	}
}

// Engine drives proposals through their lifecycle. All transitions go
// through the store's compare-and-set, so concurrent confirms, rejects and
// sweeps settle with exactly one winner and execution happens at most once.
type Engine struct {
	store    *persistence.Store
	registry *Registry
	opts     Options
	logger   *slog.Logger
}

func NewEngine(store *persistence.Store, registry *Registry, opts Options, logger *slog.Logger) *Engine {
	opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, registry: registry, opts: opts, logger: logger}
}

// Outcome is what a propose or confirm call produced.
type Outcome struct {
	Proposal *persistence.Proposal
	// Executed is true when the operation ran (auto tier, or after confirm).
	Executed bool
	// Result is the executor output, present only when Executed.
	Result string
}

func (e *Engine) expiryFor(channel string) time.Duration {
	if channel == "public" {
		return e.opts.ExpiryPublic
	}
	return e.opts.ExpiryInternal
}

// Propose records a new proposal for the operation. Auto-tier operations
// execute immediately; confirmable tiers return a PENDING proposal whose
// preview the caller must surface verbatim.
func (e *Engine) Propose(ctx context.Context, sess *persistence.Session, operation, preview string, payload map[string]any) (*Outcome, error) {
	_, tier, ok := e.registry.Lookup(operation)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	p := &persistence.Proposal{
		TenantID:   sess.TenantID,
		SessionID:  sess.ID,
		CustomerID: sess.CustomerID,
		Operation:  operation,
		Tier:       tier.String(),
		Payload:    string(raw),
		Preview:    preview,
		ExpiresAt:  time.Now().UTC().Add(e.expiryFor(sess.Channel)),
	}
	if err := e.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	e.logger.Info("proposal created",
		"proposal_id", p.ID,
		"tenant_id", p.TenantID,
		"operation", operation,
		"tier", tier.String(),
	)

	if tier.RequiresConfirmation() {
		return &Outcome{Proposal: p}, nil
	}
	return e.confirmAndExecute(ctx, p, "auto tier")
}

// Confirm executes a PENDING proposal after a confirmation from its own
// session. When the proposal was created for a known counterpart, the
// caller must present the same identity; a mismatch (like a foreign
// session) answers not-found so existence never leaks across identity
// boundaries. The compare-and-set on PENDING -> CONFIRMED makes the call
// idempotent: the second confirm of the same proposal loses the race and
// gets ErrNotActionable instead of a second execution.
func (e *Engine) Confirm(ctx context.Context, tenantID, sessionID, proposalID, counterpartID string) (*Outcome, error) {
	p, err := e.store.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return nil, err
	}
	if sessionID != "" && p.SessionID != sessionID {
		e.logger.Warn("confirm from foreign session",
			"proposal_id", p.ID, "tenant_id", tenantID)
		return nil, persistence.ErrProposalNotFound
	}
	if p.CustomerID != "" && counterpartID != p.CustomerID {
		e.logger.Warn("confirm with mismatched counterpart",
			"proposal_id", p.ID, "tenant_id", tenantID)
		return nil, persistence.ErrProposalNotFound
	}
	if p.Status != persistence.StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrNotActionable, p.Status)
	}
	return e.confirmAndExecute(ctx, p, "confirmed")
}

// Reject declines a PENDING proposal. Terminal and already-decided
// proposals report ErrNotActionable.
func (e *Engine) Reject(ctx context.Context, tenantID, sessionID, proposalID, reason string) (*persistence.Proposal, error) {
	p, err := e.store.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return nil, err
	}
	if sessionID != "" && p.SessionID != sessionID {
		e.logger.Warn("reject from foreign session",
			"proposal_id", p.ID, "tenant_id", tenantID)
		return nil, persistence.ErrProposalNotFound
	}
	if reason == "" {
		reason = "declined"
	}
	err = e.store.TransitionProposal(ctx, tenantID, proposalID, persistence.StatusPending, persistence.StatusRejected, reason)
	if errors.Is(err, persistence.ErrStaleTransition) {
		return nil, fmt.Errorf("%w: %v", ErrNotActionable, err)
	}
	if err != nil {
		return nil, err
	}
	return e.store.GetProposal(ctx, tenantID, proposalID)
}

// SettleSoftConfirms advances the session's pending soft-tier proposals at
// the start of a new turn: silence means proceed, an objection rejects them
// all. Hard-tier proposals are untouched; those require explicit words.
// Returns one Outcome per settled proposal, executed or rejected.
func (e *Engine) SettleSoftConfirms(ctx context.Context, sess *persistence.Session, objected bool) ([]*Outcome, error) {
	pending, err := e.store.ListPendingProposals(ctx, sess.TenantID, sess.ID)
	if err != nil {
		return nil, err
	}

	var settled []*Outcome
	for i := range pending {
		p := &pending[i]
		if p.Tier != TierSoftConfirm.String() {
			continue
		}
		if objected {
			rejected, err := e.Reject(ctx, sess.TenantID, sess.ID, p.ID, "user objected")
			if err != nil {
				if errors.Is(err, ErrNotActionable) || errors.Is(err, persistence.ErrProposalNotFound) {
					continue
				}
				return settled, err
			}
			settled = append(settled, &Outcome{Proposal: rejected})
			continue
		}
		out, err := e.Confirm(ctx, sess.TenantID, sess.ID, p.ID, sess.CustomerID)
		if err != nil {
			if errors.Is(err, ErrNotActionable) || errors.Is(err, persistence.ErrProposalNotFound) {
				continue
			}
			// Executor failure is already recorded on the proposal row; the
			// turn goes on.
			e.logger.Warn("deferred action failed",
				"proposal_id", p.ID, "operation", p.Operation, "error", err)
			if out != nil {
				settled = append(settled, out)
			}
			continue
		}
		settled = append(settled, out)
	}
	return settled, nil
}

func (e *Engine) confirmAndExecute(ctx context.Context, p *persistence.Proposal, detail string) (*Outcome, error) {
	err := e.store.TransitionProposal(ctx, p.TenantID, p.ID, persistence.StatusPending, persistence.StatusConfirmed, detail)
	if errors.Is(err, persistence.ErrStaleTransition) {
		return nil, fmt.Errorf("%w: %v", ErrNotActionable, err)
	}
	if err != nil {
		return nil, err
	}

	exec, _, ok := e.registry.Lookup(p.Operation)
	if !ok {
		resolveErr := fmt.Errorf("%w: %s", ErrUnknownOperation, p.Operation)
		_ = e.store.ResolveProposal(ctx, p.TenantID, p.ID, resolveErr, "")
		return nil, resolveErr
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(p.Payload), &payload); err != nil {
		resolveErr := fmt.Errorf("corrupt payload: %w", err)
		_ = e.store.ResolveProposal(ctx, p.TenantID, p.ID, resolveErr, "")
		return nil, resolveErr
	}

	execCtx, cancel := context.WithTimeout(ctx, e.opts.ExecutorTimeout)
	defer cancel()
	result, execErr := exec.Execute(execCtx, ExecRequest{
		TenantID:   p.TenantID,
		SessionID:  p.SessionID,
		CustomerID: p.CustomerID,
		Operation:  p.Operation,
		Payload:    payload,
	})

	if resolveErr := e.store.ResolveProposal(ctx, p.TenantID, p.ID, execErr, result); resolveErr != nil {
		e.logger.Error("failed to resolve proposal",
			"proposal_id", p.ID, "error", resolveErr)
	}

	final, err := e.store.GetProposal(ctx, p.TenantID, p.ID)
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		e.logger.Warn("executor failed",
			"proposal_id", p.ID, "operation", p.Operation, "error", execErr)
		return &Outcome{Proposal: final}, execErr
	}
	e.logger.Info("proposal executed",
		"proposal_id", p.ID, "operation", p.Operation)
	return &Outcome{Proposal: final, Executed: true, Result: result}, nil
}

// SweepExpired flips overdue PENDING proposals to EXPIRED. Exposed for the
// cron scheduler.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	return e.store.SweepExpiredProposals(ctx)
}

// UserFacingMessage maps engine and executor errors to text safe to show
// the counterpart. Internals never leak through these strings.
func UserFacingMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, persistence.ErrDateUnavailable):
		return "That date has just been taken. Would you like to pick another?"
	case errors.Is(err, persistence.ErrProposalNotFound):
		return "I couldn't find that pending action. It may have already been handled."
	case errors.Is(err, ErrNotActionable):
		return "That action is no longer pending. It may have been confirmed, declined, or expired."
	case errors.Is(err, persistence.ErrBookingNotFound):
		return "I couldn't find a booking on that date."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took longer than expected. Please try again."
	default:
		return "Something went wrong completing that action. Nothing was changed that you haven't confirmed."
	}
}
