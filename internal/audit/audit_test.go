package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/shared"
)

func TestRecord_TableAndMirror(t *testing.T) {
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "concierge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	l, err := NewLogger(store, home)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer l.Close()

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	l.Record(ctx, "t1", "sess-1", "tool:create_booking", "deny", "session_turn_budget")

	if l.DenyCount() != 1 {
		t.Fatalf("deny count = %d", l.DenyCount())
	}

	var count int
	err = store.DB().QueryRow(`
		SELECT COUNT(*) FROM audit_log WHERE tenant_id = 't1' AND decision = 'deny' AND trace_id = 'trace-1';
	`).Scan(&count)
	if err != nil || count != 1 {
		t.Fatalf("audit row missing: count=%d err=%v", count, err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("mirror is empty")
	}
	var ev map[string]any
	if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
		t.Fatalf("parse mirror line: %v", err)
	}
	if ev["tenant_id"] != "t1" || ev["decision"] != "deny" {
		t.Fatalf("unexpected mirror entry: %v", ev)
	}
}

func TestRecord_RedactsSecrets(t *testing.T) {
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "concierge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	l, err := NewLogger(store, home)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer l.Close()

	secret := "request used key sk-ant-REDACTED"
	l.Record(context.Background(), "t1", "", "llm:generate", "allow", secret)

	var reason string
	if err := store.DB().QueryRow(`SELECT reason FROM audit_log LIMIT 1;`).Scan(&reason); err != nil {
		t.Fatalf("read reason: %v", err)
	}
	if strings.Contains(reason, "sk-ant-") {
		t.Fatalf("secret survived redaction: %q", reason)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if strings.Contains(string(raw), "sk-ant-") {
		t.Fatal("secret survived redaction in mirror")
	}
}

func TestNewLogger_NoMirror(t *testing.T) {
	l, err := NewLogger(nil, "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	// No store, no mirror: Record must still be safe to call.
	l.Record(context.Background(), "t1", "", "noop", "allow", "")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
