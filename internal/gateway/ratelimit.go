package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked limiter keys so rotating
// source IPs cannot exhaust memory.
const maxTrackedKeys = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter applies a per-source-IP token bucket to the webhook
// ingress. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rpm     int
	burst   int
}

// NewWebhookRateLimiter creates a limiter allowing rpm requests per
// minute per key. rpm <= 0 disables limiting.
func NewWebhookRateLimiter(rpm, burst int) *WebhookRateLimiter {
	if burst <= 0 {
		burst = 5
	}
	return &WebhookRateLimiter{
		entries: make(map[string]*limiterEntry),
		rpm:     rpm,
		burst:   burst,
	}
}

// Allow reports whether the key is within its rate limit.
func (r *WebhookRateLimiter) Allow(key string) bool {
	if r.rpm <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) > time.Minute {
				delete(r.entries, k)
			}
		}
		// Hard eviction if pruning freed nothing.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}
