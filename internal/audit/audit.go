// Package audit records security-relevant decisions: injection blocks,
// guard denials, and proposal confirmations. Entries land in the
// audit_log table and, when a home directory is configured, in a JSONL
// mirror under logs/ for offline inspection.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	TenantID  string `json:"tenant_id"`
	Subject   string `json:"subject,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// Logger writes audit entries. Safe for concurrent use.
type Logger struct {
	store *persistence.Store

	mu   sync.Mutex
	file *os.File

	denyCount atomic.Int64
}

// NewLogger creates an audit logger. When homeDir is non-empty the JSONL
// mirror is opened at <homeDir>/logs/audit.jsonl.
func NewLogger(store *persistence.Store, homeDir string) (*Logger, error) {
	l := &Logger{store: store}
	if homeDir != "" {
		logDir := filepath.Join(homeDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		l.file = f
	}
	return l, nil
}

// Close closes the JSONL mirror.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (l *Logger) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record persists one audit entry. Reasons and subjects are redacted
// before they touch any sink.
func (l *Logger) Record(ctx context.Context, tenantID, subject, action, decision, reason string) {
	if decision == "deny" {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	// A failed table write still leaves the JSONL mirror entry below.
	if l.store != nil {
		_ = l.store.AppendAudit(ctx, traceID, tenantID, subject, action, decision, reason)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   traceID,
		TenantID:  tenantID,
		Subject:   subject,
		Action:    action,
		Decision:  decision,
		Reason:    reason,
	}
	if b, err := json.Marshal(ev); err == nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
