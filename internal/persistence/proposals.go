package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/concierge/internal/bus"
	"github.com/harborline/concierge/internal/shared"
)

// Proposal statuses. Terminal states have no outgoing transitions.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusExecuted  = "EXECUTED"
	StatusRejected  = "REJECTED"
	StatusExpired   = "EXPIRED"
	StatusFailed    = "FAILED"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrStaleTransition means the row was not in the expected source state,
	// usually because a concurrent actor won the compare-and-set.
	ErrStaleTransition   = errors.New("proposal not in expected state")
	ErrInvalidTransition = errors.New("invalid proposal transition")
)

// allowedTransitions is the full lifecycle graph. Anything not listed
// here is rejected before touching the database.
var allowedTransitions = map[string][]string{
	StatusPending:   {StatusConfirmed, StatusRejected, StatusExpired},
	StatusConfirmed: {StatusExecuted, StatusFailed},
}

func transitionAllowed(from, to string) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Proposal is a deferred write operation awaiting confirmation. Payload is
// the executor input captured verbatim at proposal time; confirmation never
// re-reads it from the conversation.
type Proposal struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	SessionID  string    `json:"session_id"`
	CustomerID string    `json:"customer_id,omitempty"`
	Operation  string    `json:"operation"`
	Tier       string    `json:"tier"`
	Payload    string    `json:"payload"`
	Preview    string    `json:"preview"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (p *Proposal) Expired(now time.Time) bool {
	return p.Status == StatusPending && now.After(p.ExpiresAt)
}

// CreateProposal persists a new PENDING proposal and publishes its creation.
func (s *Store) CreateProposal(ctx context.Context, p *Proposal) error {
	if p.TenantID == "" || p.SessionID == "" || p.Operation == "" {
		return fmt.Errorf("tenant_id, session_id and operation required")
	}
	switch p.Tier {
	case "auto", "soft_confirm", "hard_confirm":
	default:
		return fmt.Errorf("invalid tier %q", p.Tier)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = StatusPending

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (id, tenant_id, session_id, customer_id, operation, tier, payload, preview, status, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, p.ID, p.TenantID, p.SessionID, p.CustomerID, p.Operation, p.Tier,
			p.Payload, p.Preview, p.Status, p.ExpiresAt.UTC()); err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		return s.appendProposalEventTx(ctx, tx, p.ID, p.SessionID, shared.TraceID(ctx), "", StatusPending, "created")
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicProposalCreated, bus.ProposalEvent{
		ProposalID: p.ID,
		TenantID:   p.TenantID,
		SessionID:  p.SessionID,
		Operation:  p.Operation,
		Tier:       p.Tier,
		Status:     StatusPending,
	})
	return nil
}

// GetProposal loads a proposal scoped to the tenant. A PENDING proposal past
// its deadline is lazily flipped to EXPIRED before being returned, so callers
// never observe an actionable-but-stale row.
func (s *Store) GetProposal(ctx context.Context, tenantID, id string) (*Proposal, error) {
	p, err := s.getProposal(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if p.Expired(time.Now().UTC()) {
		if err := s.TransitionProposal(ctx, tenantID, id, StatusPending, StatusExpired, "deadline passed"); err != nil && !errors.Is(err, ErrStaleTransition) {
			return nil, err
		}
		return s.getProposal(ctx, tenantID, id)
	}
	return p, nil
}

func (s *Store) getProposal(ctx context.Context, tenantID, id string) (*Proposal, error) {
	var p Proposal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, customer_id, operation, tier, payload, preview,
			status, expires_at, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM proposals
		WHERE id = ? AND tenant_id = ?;
	`, id, tenantID).Scan(
		&p.ID, &p.TenantID, &p.SessionID, &p.CustomerID, &p.Operation, &p.Tier,
		&p.Payload, &p.Preview, &p.Status, &p.ExpiresAt, &p.Result, &p.Error,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select proposal: %w", err)
	}
	return &p, nil
}

// ListPendingProposals returns actionable proposals for a session, oldest
// first. Rows past their deadline are excluded but not mutated; the sweep
// or a later GetProposal settles them.
func (s *Store) ListPendingProposals(ctx context.Context, tenantID, sessionID string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_id, customer_id, operation, tier, payload, preview,
			status, expires_at, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM proposals
		WHERE tenant_id = ? AND session_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at ASC;
	`, tenantID, sessionID, StatusPending, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	defer rows.Close()

	var items []Proposal
	for rows.Next() {
		var p Proposal
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SessionID, &p.CustomerID, &p.Operation,
			&p.Tier, &p.Payload, &p.Preview, &p.Status, &p.ExpiresAt, &p.Result, &p.Error,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// TransitionProposal moves a proposal from one state to another via
// compare-and-set. The UPDATE carries the expected source status in its
// WHERE clause; zero rows affected means a concurrent actor already moved
// the row and the caller loses cleanly.
func (s *Store) TransitionProposal(ctx context.Context, tenantID, id, from, to, detail string) error {
	return s.transitionProposal(ctx, tenantID, id, from, to, detail, "", "")
}

// ResolveProposal moves a CONFIRMED proposal to EXECUTED or FAILED,
// recording the executor's result or error alongside the transition.
func (s *Store) ResolveProposal(ctx context.Context, tenantID, id string, execErr error, result string) error {
	if execErr != nil {
		return s.transitionProposal(ctx, tenantID, id, StatusConfirmed, StatusFailed, "executor failed", "", execErr.Error())
	}
	return s.transitionProposal(ctx, tenantID, id, StatusConfirmed, StatusExecuted, "executor succeeded", result, "")
}

func (s *Store) transitionProposal(ctx context.Context, tenantID, id, from, to, detail, result, execError string) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var (
		sessionID string
		operation string
		tier      string
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE proposals
			SET status = ?,
				result = NULLIF(?, ''),
				error = NULLIF(?, ''),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND tenant_id = ? AND status = ?`
		args := []any{to, result, execError, id, tenantID, from}
		// Confirming races expiry: a row past its deadline must never become
		// CONFIRMED, even when the caller read it as PENDING moments earlier.
		if to == StatusConfirmed {
			query += ` AND expires_at > ?`
			args = append(args, time.Now().UTC())
		}
		res, err := tx.ExecContext(ctx, query+`;`, args...)
		if err != nil {
			return fmt.Errorf("transition proposal: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if n == 0 {
			// Distinguish a missing row from a lost compare-and-set.
			var cur string
			qerr := tx.QueryRowContext(ctx, `SELECT status FROM proposals WHERE id = ? AND tenant_id = ?;`, id, tenantID).Scan(&cur)
			if errors.Is(qerr, sql.ErrNoRows) {
				return ErrProposalNotFound
			}
			if qerr != nil {
				return fmt.Errorf("check proposal status: %w", qerr)
			}
			if cur == from && to == StatusConfirmed {
				return fmt.Errorf("%w: deadline passed", ErrStaleTransition)
			}
			return fmt.Errorf("%w: have %s, want %s", ErrStaleTransition, cur, from)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT session_id, operation, tier FROM proposals WHERE id = ? AND tenant_id = ?;
		`, id, tenantID).Scan(&sessionID, &operation, &tier); err != nil {
			return fmt.Errorf("read transitioned proposal: %w", err)
		}
		return s.appendProposalEventTx(ctx, tx, id, sessionID, shared.TraceID(ctx), from, to, detail)
	})
	if err != nil {
		return err
	}

	s.publish(topicForStatus(to), bus.ProposalEvent{
		ProposalID: id,
		TenantID:   tenantID,
		SessionID:  sessionID,
		Operation:  operation,
		Tier:       tier,
		Status:     to,
		Reason:     detail,
	})
	return nil
}

func topicForStatus(status string) string {
	switch status {
	case StatusConfirmed:
		return bus.TopicProposalConfirmed
	case StatusRejected:
		return bus.TopicProposalRejected
	case StatusExpired:
		return bus.TopicProposalExpired
	case StatusExecuted:
		return bus.TopicProposalExecuted
	case StatusFailed:
		return bus.TopicProposalFailed
	default:
		return bus.TopicProposalCreated
	}
}

func (s *Store) appendProposalEventTx(ctx context.Context, tx *sql.Tx, proposalID, sessionID, traceID, from, to, detail string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposal_events (proposal_id, session_id, trace_id, state_from, state_to, detail)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?);
	`, proposalID, sessionID, traceID, from, to, detail); err != nil {
		return fmt.Errorf("append proposal event: %w", err)
	}
	return nil
}

// ProposalHistory returns the transition log for one proposal, oldest first.
func (s *Store) ProposalHistory(ctx context.Context, tenantID, proposalID string) ([]ProposalTransition, error) {
	if _, err := s.getProposal(ctx, tenantID, proposalID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, proposal_id, COALESCE(trace_id, ''), COALESCE(state_from, ''), state_to, detail, created_at
		FROM proposal_events
		WHERE proposal_id = ?
		ORDER BY event_id ASC;
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list proposal events: %w", err)
	}
	defer rows.Close()

	var items []ProposalTransition
	for rows.Next() {
		var ev ProposalTransition
		if err := rows.Scan(&ev.EventID, &ev.ProposalID, &ev.TraceID, &ev.From, &ev.To, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal event: %w", err)
		}
		items = append(items, ev)
	}
	return items, rows.Err()
}

type ProposalTransition struct {
	EventID    int64     `json:"event_id"`
	ProposalID string    `json:"proposal_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// SweepExpiredProposals flips overdue PENDING proposals to EXPIRED. Each row
// goes through the same compare-and-set as interactive transitions, so a
// confirm racing the sweep settles deterministically.
func (s *Store) SweepExpiredProposals(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id FROM proposals
		WHERE status = ? AND expires_at <= ?;
	`, StatusPending, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("select expired proposals: %w", err)
	}
	type ref struct{ id, tenantID string }
	var due []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.tenantID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired proposal: %w", err)
		}
		due = append(due, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, r := range due {
		err := s.TransitionProposal(ctx, r.tenantID, r.id, StatusPending, StatusExpired, "swept")
		if errors.Is(err, ErrStaleTransition) || errors.Is(err, ErrProposalNotFound) {
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}
