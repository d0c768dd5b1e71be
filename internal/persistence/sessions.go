package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one conversation thread, scoped to a tenant and optionally a
// customer counterpart. Guard counters live on the row so they survive
// process restarts and reset only when a new session is created.
type Session struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	CustomerID        string    `json:"customer_id,omitempty"`
	Channel           string    `json:"channel"`
	Turns             int       `json:"turns"`
	TokensUsed        int       `json:"tokens_used"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	BreakerTripped    bool      `json:"breaker_tripped"`
	CreatedAt         time.Time `json:"created_at"`
	LastActiveAt      time.Time `json:"last_active_at"`
}

// Message is a single history entry. ToolCalls/ToolResults carry the raw
// JSON the orchestrator recorded for the turn (empty for plain exchanges).
type Message struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ToolCalls   string    `json:"tool_calls,omitempty"`
	ToolResults string    `json:"tool_results,omitempty"`
	Tokens      int       `json:"tokens"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnsureLiveSession returns the newest session for (tenant, customer, channel)
// whose last activity falls within ttl, creating a fresh one otherwise.
// A fresh session starts with zeroed guard counters.
func (s *Store) EnsureLiveSession(ctx context.Context, tenantID, customerID, channel string, ttl time.Duration) (*Session, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id required")
	}
	if channel != "internal" && channel != "public" {
		return nil, fmt.Errorf("invalid channel %q", channel)
	}

	cutoff := time.Now().UTC().Add(-ttl)
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, channel, turns, tokens_used,
			consecutive_errors, breaker_tripped, created_at, last_active_at
		FROM sessions
		WHERE tenant_id = ? AND customer_id = ? AND channel = ? AND last_active_at >= ?
		ORDER BY last_active_at DESC
		LIMIT 1;
	`, tenantID, customerID, channel, cutoff).Scan(
		&sess.ID, &sess.TenantID, &sess.CustomerID, &sess.Channel,
		&sess.Turns, &sess.TokensUsed, &sess.ConsecutiveErrors, &sess.BreakerTripped,
		&sess.CreatedAt, &sess.LastActiveAt,
	)
	if err == nil {
		return &sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select live session: %w", err)
	}

	sess = Session{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		CustomerID:   customerID,
		Channel:      channel,
		CreatedAt:    time.Now().UTC(),
		LastActiveAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, customer_id, channel)
		VALUES (?, ?, ?, ?);
	`, sess.ID, sess.TenantID, sess.CustomerID, sess.Channel); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &sess, nil
}

// GetSession loads a session, tenant-scoped. Foreign tenants get ErrNoRows
// just like a missing row.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, channel, turns, tokens_used,
			consecutive_errors, breaker_tripped, created_at, last_active_at
		FROM sessions
		WHERE id = ? AND tenant_id = ?;
	`, sessionID, tenantID).Scan(
		&sess.ID, &sess.TenantID, &sess.CustomerID, &sess.Channel,
		&sess.Turns, &sess.TokensUsed, &sess.ConsecutiveErrors, &sess.BreakerTripped,
		&sess.CreatedAt, &sess.LastActiveAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// AppendTurn persists the user/assistant exchange and the updated guard
// counters in one transaction. This is the end-of-turn checkpoint: nothing
// else mutates session state mid-turn.
func (s *Store) AppendTurn(ctx context.Context, sess *Session, messages []Message) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session required")
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range messages {
			switch m.Role {
			case "user", "assistant":
			default:
				return fmt.Errorf("invalid role %q", m.Role)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (session_id, role, content, tool_calls, tool_results, tokens)
				VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?);
			`, sess.ID, m.Role, m.Content, m.ToolCalls, m.ToolResults, m.Tokens); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET turns = ?, tokens_used = ?, consecutive_errors = ?, breaker_tripped = ?,
				last_active_at = CURRENT_TIMESTAMP
			WHERE id = ? AND tenant_id = ?;
		`, sess.Turns, sess.TokensUsed, sess.ConsecutiveErrors, sess.BreakerTripped,
			sess.ID, sess.TenantID); err != nil {
			return fmt.Errorf("update session counters: %w", err)
		}
		return nil
	})
}

// ListHistory returns the newest `limit` messages in chronological order.
// Older entries are simply not loaded; eviction is a read-side bound.
func (s *Store) ListHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content,
			COALESCE(tool_calls, ''), COALESCE(tool_results, ''), tokens, created_at
		FROM (
			SELECT * FROM messages
			WHERE session_id = ? AND archived_at IS NULL
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content,
			&m.ToolCalls, &m.ToolResults, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// DeleteStaleSessions removes sessions (and their messages) whose last
// activity predates the cutoff. Proposals are retained for audit. The
// deleted session IDs are returned so callers can evict derived state.
func (s *Store) DeleteStaleSessions(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var ids []string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions WHERE last_active_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("select stale sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE session_id IN (SELECT id FROM sessions WHERE last_active_at < ?);
		`, cutoff); err != nil {
			return fmt.Errorf("delete stale messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_active_at < ?;`, cutoff); err != nil {
			return fmt.Errorf("delete stale sessions: %w", err)
		}
		return nil
	})
	return ids, err
}
