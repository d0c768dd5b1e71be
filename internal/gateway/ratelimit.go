package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harborline/concierge/internal/config"
)

// bucket is a token bucket refilled continuously at rate tokens/second.
// The seen timestamp doubles as the refill epoch and the eviction age.
type bucket struct {
	mu    sync.Mutex
	level float64
	size  float64
	rate  float64
	seen  time.Time
}

func newBucket(requestsPerMinute, burstSize int) *bucket {
	return &bucket{
		level: float64(burstSize),
		size:  float64(burstSize),
		rate:  float64(requestsPerMinute) / 60.0,
		seen:  time.Now(),
	}
}

// take consumes one token if available.
func (b *bucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.level += now.Sub(b.seen).Seconds() * b.rate
	if b.level > b.size {
		b.level = b.size
	}
	b.seen = now

	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

func (b *bucket) lastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen
}

// RateLimitMiddleware throttles requests per caller. Requests carrying a
// known tenant key draw from that tenant's bucket, so several keys of one
// tenant share a single allowance and one noisy tenant cannot starve the
// others. Unrecognized callers are bucketed by remote address, keeping
// unauthenticated probes out of the tenant budgets.
type RateLimitMiddleware struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	tenantOf map[string]string // api key -> tenant id
	rpm      int
	burst    int
	enabled  bool
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig, tenants []config.TenantKeyConfig) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = 60
	}
	burst := cfg.BurstSize
	if burst == 0 {
		burst = 10
	}
	tenantOf := make(map[string]string, len(tenants))
	for _, tk := range tenants {
		if tk.Key != "" && tk.TenantID != "" {
			tenantOf[tk.Key] = tk.TenantID
		}
	}
	return &RateLimitMiddleware{
		buckets:  make(map[string]*bucket),
		tenantOf: tenantOf,
		rpm:      rpm,
		burst:    burst,
		enabled:  cfg.Enabled,
	}
}

// callerKey resolves which bucket a request draws from.
func (rl *RateLimitMiddleware) callerKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		if tenantID, ok := rl.tenantOf[key]; ok {
			return "tenant:" + tenantID
		}
		return "key:" + key
	}
	return "addr:" + r.RemoteAddr
}

// Wrap applies rate limiting to every endpoint except health.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.getBucket(rl.callerKey(r)).take(time.Now()) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getBucket returns the bucket for a caller key, creating it if needed.
func (rl *RateLimitMiddleware) getBucket(key string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = newBucket(rl.rpm, rl.burst)
	rl.buckets[key] = b
	return b
}

// StartEviction periodically drops buckets idle longer than maxAge, so
// one-off remote addresses cannot grow the map without bound.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets with no requests within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, b := range rl.buckets {
		if b.lastSeen().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount reports the number of live buckets.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}
