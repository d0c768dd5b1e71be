package conflict

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockKey_StableAndNormalized(t *testing.T) {
	a := LockKey("t1", "2026-09-12")
	b := LockKey("T1 ", " 2026-09-12")
	if a != b {
		t.Fatalf("normalization broken: %d vs %d", a, b)
	}
	if LockKey("t1", "2026-09-12") == LockKey("t2", "2026-09-12") {
		t.Fatal("different tenants must not share a key")
	}
	if LockKey("t1", "2026-09-12") == LockKey("t1", "2026-09-13") {
		t.Fatal("different dates must not share a key")
	}
}

func TestWithExclusive_SerializesSameKey(t *testing.T) {
	g := NewGuard()
	ctx := context.Background()

	var inCritical int32
	var maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.WithExclusive(ctx, "t1", "2026-09-12", func(ctx context.Context) error {
				n := atomic.AddInt32(&inCritical, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inCritical, -1)
				return nil
			})
			if err != nil {
				t.Errorf("WithExclusive: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("critical section overlapped, max concurrency %d", maxSeen)
	}
}

func TestWithExclusive_RespectsCancellation(t *testing.T) {
	g := NewGuard()
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = g.WithExclusive(context.Background(), "t1", "2026-09-12", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.WithExclusive(ctx, "t1", "2026-09-12", func(ctx context.Context) error {
		t.Error("must not enter critical section after cancellation")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	close(release)
}

func TestWithExclusive_PropagatesError(t *testing.T) {
	g := NewGuard()
	want := errors.New("date taken")
	err := g.WithExclusive(context.Background(), "t1", "2026-09-12", func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
