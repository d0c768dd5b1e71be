package trust

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ExecRequest is the executor input, captured verbatim at proposal time.
// Confirmation replays this payload; nothing is re-read from conversation.
type ExecRequest struct {
	TenantID   string
	SessionID  string
	CustomerID string
	Operation  string
	Payload    map[string]any
}

// Executor performs one side-effecting operation. Implementations must be
// safe to call with a context deadline and must return user-presentable
// results as JSON.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (result string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (string, error) {
	return f(ctx, req)
}

type registration struct {
	tier Tier
	exec Executor
}

// Registry maps operation names to executors and their trust tiers.
// Executors are injected at wiring time; nothing self-registers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds an operation to its executor and tier. Duplicate
// registration is a wiring bug and fails loudly.
func (r *Registry) Register(operation string, tier Tier, exec Executor) error {
	if operation == "" || exec == nil {
		return fmt.Errorf("operation name and executor required")
	}
	if _, err := ParseTier(string(tier)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[operation]; exists {
		return fmt.Errorf("executor already registered for %q", operation)
	}
	r.entries[operation] = registration{tier: tier, exec: exec}
	return nil
}

// Lookup returns the executor and tier for an operation.
func (r *Registry) Lookup(operation string) (Executor, Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[operation]
	if !ok {
		return nil, "", false
	}
	return reg.exec, reg.tier, true
}

// Operations lists registered operation names, sorted for stable output.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
