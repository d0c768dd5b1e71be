package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// breaker tracks failure counts and trip state for a single provider.
type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverProvider wraps a primary Provider with ordered fallbacks and
// per-provider circuit breakers. It implements the Provider interface.
type FailoverProvider struct {
	primary   Provider
	fallbacks []Provider

	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
}

// NewFailoverProvider tries the primary first, then each fallback in order.
// A breaker trips after threshold consecutive failures and resets after the
// cooldown elapses.
func NewFailoverProvider(primary Provider, fallbacks []Provider, threshold int, cooldown time.Duration) *FailoverProvider {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	breakers := map[string]*breaker{primary.Name(): {}}
	for _, fb := range fallbacks {
		breakers[fb.Name()] = &breaker{}
	}
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (fp *FailoverProvider) Name() string { return "failover" }

func (fp *FailoverProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	candidates := append([]Provider{fp.primary}, fp.fallbacks...)
	var lastErr error

	for _, c := range candidates {
		if fp.isTripped(c.Name()) {
			slog.Info("failover: skipping tripped provider", "provider", c.Name())
			continue
		}

		resp, err := c.Generate(ctx, req)
		if err == nil {
			fp.recordSuccess(c.Name())
			return resp, nil
		}

		lastErr = err
		fp.recordFailure(c.Name())
		class := ClassifyError(err)
		slog.Warn("failover: provider failed",
			"provider", c.Name(),
			"error_class", string(class),
			"error", err,
		)

		// The prompt is the same on every provider; an overflow will not
		// succeed elsewhere.
		if class == ErrorClassContextOverflow {
			return nil, fmt.Errorf("failover: context overflow from %s: %w", c.Name(), err)
		}
	}
	return nil, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

func (fp *FailoverProvider) isTripped(name string) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	b, ok := fp.breakers[name]
	if !ok || !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) >= fp.cooldown {
		b.tripped = false
		b.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (fp *FailoverProvider) recordFailure(name string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	b, ok := fp.breakers[name]
	if !ok {
		b = &breaker{}
		fp.breakers[name] = b
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= fp.threshold {
		b.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", b.failures)
	}
}

func (fp *FailoverProvider) recordSuccess(name string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if b, ok := fp.breakers[name]; ok {
		b.failures = 0
		b.tripped = false
	}
}
