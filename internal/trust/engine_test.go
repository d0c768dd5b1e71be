package trust

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harborline/concierge/internal/persistence"
)

func testEngine(t *testing.T, registry *Registry) (*Engine, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "concierge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	engine := NewEngine(store, registry, Options{
		ExpiryInternal:  time.Hour,
		ExpiryPublic:    10 * time.Minute,
		ExecutorTimeout: time.Second,
	}, nil)
	return engine, store
}

func testSession(t *testing.T, store *persistence.Store, channel string) *persistence.Session {
	t.Helper()
	sess, err := store.EnsureLiveSession(context.Background(), "t1", "cust-1", channel, time.Hour)
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	return sess
}

func TestPropose_AutoTierExecutesImmediately(t *testing.T) {
	var calls int32
	registry := NewRegistry()
	err := registry.Register("update_customer_notes", TierAuto, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			atomic.AddInt32(&calls, 1)
			return `{"ok":true}`, nil
		}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	engine, store := testEngine(t, registry)
	sess := testSession(t, store, "internal")

	out, err := engine.Propose(context.Background(), sess, "update_customer_notes", "Add a note", map[string]any{"note": "x"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !out.Executed || out.Result != `{"ok":true}` {
		t.Fatalf("auto tier should execute inline: %+v", out)
	}
	if out.Proposal.Status != persistence.StatusExecuted {
		t.Fatalf("expected EXECUTED, got %s", out.Proposal.Status)
	}
	if calls != 1 {
		t.Fatalf("executor ran %d times", calls)
	}
}

func TestPropose_HardConfirmWaits(t *testing.T) {
	var calls int32
	registry := NewRegistry()
	_ = registry.Register("create_booking", TierHardConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			atomic.AddInt32(&calls, 1)
			if req.Payload["event_date"] != "2026-09-12" {
				t.Errorf("payload not replayed verbatim: %+v", req.Payload)
			}
			return `{"booking_id":"b1"}`, nil
		}))

	engine, store := testEngine(t, registry)
	sess := testSession(t, store, "internal")

	out, err := engine.Propose(context.Background(), sess, "create_booking",
		"Book 2026-09-12 for a@b.co", map[string]any{"event_date": "2026-09-12"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if out.Executed {
		t.Fatal("hard_confirm must not execute on propose")
	}
	if out.Proposal.Status != persistence.StatusPending {
		t.Fatalf("expected PENDING, got %s", out.Proposal.Status)
	}
	if calls != 0 {
		t.Fatal("executor ran before confirmation")
	}

	confirmed, err := engine.Confirm(context.Background(), "t1", sess.ID, out.Proposal.ID, "cust-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmed.Executed || confirmed.Proposal.Status != persistence.StatusExecuted {
		t.Fatalf("confirm did not execute: %+v", confirmed)
	}
	if calls != 1 {
		t.Fatalf("executor ran %d times", calls)
	}
}

func TestConfirm_IdempotentUnderRace(t *testing.T) {
	var calls int32
	registry := NewRegistry()
	_ = registry.Register("create_booking", TierHardConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			atomic.AddInt32(&calls, 1)
			time.Sleep(5 * time.Millisecond)
			return "{}", nil
		}))

	engine, store := testEngine(t, registry)
	sess := testSession(t, store, "internal")
	out, err := engine.Propose(context.Background(), sess, "create_booking", "p", map[string]any{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Confirm(context.Background(), "t1", sess.ID, out.Proposal.ID, "cust-1"); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful confirm, got %d", successes)
	}
	if calls != 1 {
		t.Fatalf("executor must run at most once, ran %d times", calls)
	}
}

func TestConfirm_FailedExecutorMarksProposal(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("create_booking", TierHardConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			return "", persistence.ErrDateUnavailable
		}))

	engine, store := testEngine(t, registry)
	sess := testSession(t, store, "internal")
	out, err := engine.Propose(context.Background(), sess, "create_booking", "p", map[string]any{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	_, confirmErr := engine.Confirm(context.Background(), "t1", sess.ID, out.Proposal.ID, "cust-1")
	if !errors.Is(confirmErr, persistence.ErrDateUnavailable) {
		t.Fatalf("expected executor error, got %v", confirmErr)
	}

	p, err := store.GetProposal(context.Background(), "t1", out.Proposal.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != persistence.StatusFailed {
		t.Fatalf("expected FAILED, got %s", p.Status)
	}
	if msg := UserFacingMessage(confirmErr); msg == "" || msg == confirmErr.Error() {
		t.Fatalf("user message must be rephrased, got %q", msg)
	}
}

func TestConfirm_ExpiredProposal(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("create_booking", TierHardConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			t.Error("expired proposal must not execute")
			return "", nil
		}))

	engine, store := testEngine(t, registry)
	engine.opts.ExpiryInternal = -time.Minute // everything created already overdue
	sess := testSession(t, store, "internal")

	out, err := engine.Propose(context.Background(), sess, "create_booking", "p", map[string]any{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	_, err = engine.Confirm(context.Background(), "t1", sess.ID, out.Proposal.ID, "cust-1")
	if !errors.Is(err, ErrNotActionable) {
		t.Fatalf("expected ErrNotActionable for expired proposal, got %v", err)
	}
}

func TestReject(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("send_quote", TierSoftConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			t.Error("rejected proposal must not execute")
			return "", nil
		}))

	engine, store := testEngine(t, registry)
	sess := testSession(t, store, "internal")
	out, err := engine.Propose(context.Background(), sess, "send_quote", "p", map[string]any{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	p, err := engine.Reject(context.Background(), "t1", sess.ID, out.Proposal.ID, "changed my mind")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p.Status != persistence.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", p.Status)
	}

	// Confirming after rejection is not actionable.
	if _, err := engine.Confirm(context.Background(), "t1", sess.ID, out.Proposal.ID, "cust-1"); !errors.Is(err, ErrNotActionable) {
		t.Fatalf("expected ErrNotActionable, got %v", err)
	}
}

func TestConfirm_Ownership(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("send_quote", TierSoftConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) { return "{}", nil }))

	engine, store := testEngine(t, registry)
	sess := testSession(t, store, "internal")
	out, err := engine.Propose(context.Background(), sess, "send_quote", "p", map[string]any{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	ctx := context.Background()

	// Every ownership failure reads as not-found, so a caller probing with
	// guessed IDs learns nothing about what exists.
	if _, err := engine.Confirm(ctx, "t1", "other-session", out.Proposal.ID, "cust-1"); !errors.Is(err, persistence.ErrProposalNotFound) {
		t.Fatalf("foreign session must get not-found, got %v", err)
	}
	if _, err := engine.Confirm(ctx, "t1", sess.ID, out.Proposal.ID, "cust-2"); !errors.Is(err, persistence.ErrProposalNotFound) {
		t.Fatalf("mismatched counterpart must get not-found, got %v", err)
	}
	if _, err := engine.Confirm(ctx, "t1", sess.ID, out.Proposal.ID, ""); !errors.Is(err, persistence.ErrProposalNotFound) {
		t.Fatalf("missing counterpart must get not-found, got %v", err)
	}
	if _, err := engine.Confirm(ctx, "t2", sess.ID, out.Proposal.ID, "cust-1"); !errors.Is(err, persistence.ErrProposalNotFound) {
		t.Fatalf("foreign tenant must get not-found, got %v", err)
	}

	// None of the probes may have moved the proposal.
	p, err := store.GetProposal(ctx, "t1", out.Proposal.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != persistence.StatusPending {
		t.Fatalf("probes must not transition, got %s", p.Status)
	}

	confirmed, err := engine.Confirm(ctx, "t1", sess.ID, out.Proposal.ID, "cust-1")
	if err != nil {
		t.Fatalf("matching identity confirm: %v", err)
	}
	if !confirmed.Executed {
		t.Fatal("matching identity must execute")
	}
}

func TestSettleSoftConfirms(t *testing.T) {
	var quoteCalls, bookingCalls int32
	registry := NewRegistry()
	_ = registry.Register("send_quote", TierSoftConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			atomic.AddInt32(&quoteCalls, 1)
			return "{}", nil
		}))
	_ = registry.Register("create_booking", TierHardConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			atomic.AddInt32(&bookingCalls, 1)
			return "{}", nil
		}))

	engine, store := testEngine(t, registry)
	sess := testSession(t, store, "internal")
	ctx := context.Background()

	quote, err := engine.Propose(ctx, sess, "send_quote", "q", map[string]any{})
	if err != nil {
		t.Fatalf("propose quote: %v", err)
	}
	booking, err := engine.Propose(ctx, sess, "create_booking", "b", map[string]any{})
	if err != nil {
		t.Fatalf("propose booking: %v", err)
	}

	settled, err := engine.SettleSoftConfirms(ctx, sess, false)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(settled) != 1 || !settled[0].Executed {
		t.Fatalf("expected one executed outcome, got %+v", settled)
	}
	if quoteCalls != 1 {
		t.Fatalf("quote executor ran %d times", quoteCalls)
	}
	if bookingCalls != 0 {
		t.Fatal("hard-tier proposal must not settle on silence")
	}
	p, _ := store.GetProposal(ctx, "t1", quote.Proposal.ID)
	if p.Status != persistence.StatusExecuted {
		t.Fatalf("expected EXECUTED, got %s", p.Status)
	}
	p, _ = store.GetProposal(ctx, "t1", booking.Proposal.ID)
	if p.Status != persistence.StatusPending {
		t.Fatalf("hard-tier proposal must stay PENDING, got %s", p.Status)
	}
}

func TestSettleSoftConfirms_ObjectionRejects(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("send_quote", TierSoftConfirm, ExecutorFunc(
		func(ctx context.Context, req ExecRequest) (string, error) {
			t.Error("objected proposal must not execute")
			return "", nil
		}))

	engine, store := testEngine(t, registry)
	sess := testSession(t, store, "internal")
	ctx := context.Background()

	out, err := engine.Propose(ctx, sess, "send_quote", "q", map[string]any{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	settled, err := engine.SettleSoftConfirms(ctx, sess, true)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(settled) != 1 || settled[0].Executed {
		t.Fatalf("expected one rejected outcome, got %+v", settled)
	}
	p, _ := store.GetProposal(ctx, "t1", out.Proposal.ID)
	if p.Status != persistence.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", p.Status)
	}
}

func TestPropose_UnknownOperation(t *testing.T) {
	engine, store := testEngine(t, NewRegistry())
	sess := testSession(t, store, "internal")
	if _, err := engine.Propose(context.Background(), sess, "nope", "p", nil); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	exec := ExecutorFunc(func(ctx context.Context, req ExecRequest) (string, error) { return "", nil })
	if err := r.Register("op", TierAuto, exec); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("op", TierAuto, exec); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if err := r.Register("bad-tier", Tier("root"), exec); err == nil {
		t.Fatal("unknown tier must fail")
	}
}
