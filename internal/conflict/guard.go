// Package conflict serializes writes that contend on an external uniqueness
// rule, such as one confirmed booking per tenant per date. The lock is
// advisory and process-local; the database's partial unique index remains
// the final arbiter.
package conflict

import (
	"context"
	"hash/fnv"
	"strings"
)

const shardCount = 256

// Guard holds a fixed pool of single-slot semaphores. Keys hash onto
// shards, so unrelated keys may share a slot; that costs waiting time,
// never correctness.
type Guard struct {
	shards [shardCount]chan struct{}
}

func NewGuard() *Guard {
	g := &Guard{}
	for i := range g.shards {
		g.shards[i] = make(chan struct{}, 1)
	}
	return g
}

// LockKey derives the stable shard key for a tenant-scoped discriminator.
// Inputs are lowercased and trimmed so "2026-09-12 " and "2026-09-12"
// contend on the same slot.
func LockKey(tenantID, discriminator string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(tenantID))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(discriminator))))
	return h.Sum32()
}

// WithExclusive runs f while holding the slot for (tenantID, discriminator).
// The caller's verify-then-write sequence must happen entirely inside f.
// Acquisition respects context cancellation.
func (g *Guard) WithExclusive(ctx context.Context, tenantID, discriminator string, f func(ctx context.Context) error) error {
	slot := g.shards[LockKey(tenantID, discriminator)%shardCount]
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slot }()
	return f(ctx)
}
