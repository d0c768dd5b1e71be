package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harborline/concierge/internal/bus"
	"github.com/harborline/concierge/internal/guard"
	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/trust"
)

func testDeps(t *testing.T) (*persistence.Store, *trust.Engine, *guard.Registry) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "concierge.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	engine := trust.NewEngine(store, trust.NewRegistry(), trust.Options{}, nil)
	guards := guard.NewRegistry(guard.Limits{MaxToolDepth: 3}, eventBus)
	return store, engine, guards
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	store, engine, guards := testDeps(t)
	_, err := NewScheduler(Config{Store: store, Trust: engine, Guards: guards, SweepSpec: "not a cron"})
	if err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestSweep_ExpiresOverdueProposals(t *testing.T) {
	store, engine, guards := testDeps(t)
	ctx := context.Background()

	sess, err := store.EnsureLiveSession(ctx, "t1", "", "internal", time.Hour)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	p := &persistence.Proposal{
		TenantID:  "t1",
		SessionID: sess.ID,
		Operation: "create_booking",
		Tier:      "hard_confirm",
		Payload:   `{}`,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := store.CreateProposal(ctx, p); err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	s, err := NewScheduler(Config{
		Store: store, Trust: engine, Guards: guards,
		SweepSpec: "@every 10ms",
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetProposal(ctx, "t1", p.ID)
		if err != nil {
			t.Fatalf("get proposal: %v", err)
		}
		if got.Status == persistence.StatusExpired {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("proposal never expired")
}

func TestCleanupSessions_EvictsLimiters(t *testing.T) {
	store, engine, guards := testDeps(t)
	ctx := context.Background()

	sess, err := store.EnsureLiveSession(ctx, "t1", "", "internal", time.Hour)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	guards.ForSession(sess)
	if guards.Len() != 1 {
		t.Fatalf("expected 1 limiter, got %d", guards.Len())
	}
	// Backdate the session past the idle window.
	if _, err := store.DB().Exec(`UPDATE sessions SET last_active_at = ?;`,
		time.Now().UTC().Add(-72*time.Hour)); err != nil {
		t.Fatalf("backdate session: %v", err)
	}

	s, err := NewScheduler(Config{Store: store, Trust: engine, Guards: guards})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.cleanupSessions()

	if guards.Len() != 0 {
		t.Fatalf("limiter not evicted, %d left", guards.Len())
	}
	if _, err := store.GetSession(ctx, "t1", sess.ID); err == nil {
		t.Fatal("session should be gone")
	}
}
