package ratelimit

import (
	"context"
	"strings"
	"time"
)

const (
	ScopeIP     = "ip"
	ScopeTenant = "tenant"
)

// CounterStore is a durable fixed-window counter shared across processes.
// Count reads a bucket without changing it.
type CounterStore interface {
	Count(ctx context.Context, scope string, key string, windowStart time.Time) (int, error)
	Increment(ctx context.Context, scope string, key string, windowStart time.Time) (int, error)
}

// Guard applies the per-IP and per-tenant webhook limits. The in-process
// sliding window answers first; the durable counter, when set, enforces the
// same limits across processes and fails closed when unavailable.
type Guard struct {
	PerIP     *SlidingWindowLimiter
	PerTenant *SlidingWindowLimiter
	Counters  CounterStore
	Window    time.Duration
	Now       func() time.Time
}

func NewGuard(perIPLimit int, perTenantLimit int, window time.Duration, counters CounterStore) *Guard {
	return &Guard{
		PerIP:     NewSlidingWindowLimiter(perIPLimit, window),
		PerTenant: NewSlidingWindowLimiter(perTenantLimit, window),
		Counters:  counters,
		Window:    window,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Check returns a LimitExceededError when sourceIP, or tenantID when known,
// is over budget.
func (g *Guard) Check(ctx context.Context, sourceIP string, tenantID string) error {
	if g == nil {
		return nil
	}
	sourceIP = strings.TrimSpace(sourceIP)
	tenantID = strings.TrimSpace(tenantID)
	if err := g.check(ctx, ScopeIP, sourceIP, g.PerIP); err != nil {
		return err
	}
	if tenantID == "" {
		return nil
	}
	return g.check(ctx, ScopeTenant, tenantID, g.PerTenant)
}

func (g *Guard) check(ctx context.Context, scope string, key string, limiter *SlidingWindowLimiter) error {
	if limiter == nil || limiter.Limit <= 0 {
		return nil
	}
	decision := limiter.Allow(key)
	if !decision.Allowed {
		return LimitExceededError{
			Scope:      scope,
			Key:        key,
			Count:      decision.Count,
			Limit:      decision.Limit,
			RetryAfter: decision.RetryAfter,
		}
	}
	if g.Counters == nil {
		return nil
	}
	window := g.Window
	if window <= 0 {
		window = limiter.Window
	}
	now := g.now()
	windowStart := now.Truncate(window)
	// Rejected requests are not persisted, so a flood does not keep the
	// shared bucket inflated for other replicas.
	count, err := g.Counters.Count(ctx, scope, key, windowStart)
	if err != nil {
		return LimitExceededError{Scope: scope, Key: key, Limit: limiter.Limit, Reason: "counter unavailable: " + err.Error()}
	}
	if count >= limiter.Limit {
		return LimitExceededError{
			Scope:      scope,
			Key:        key,
			Count:      count,
			Limit:      limiter.Limit,
			RetryAfter: windowStart.Add(window).Sub(now),
		}
	}
	// Replicas racing past the read are caught by the post-increment total.
	count, err = g.Counters.Increment(ctx, scope, key, windowStart)
	if err != nil {
		return LimitExceededError{Scope: scope, Key: key, Limit: limiter.Limit, Reason: "counter unavailable: " + err.Error()}
	}
	if count > limiter.Limit {
		return LimitExceededError{
			Scope:      scope,
			Key:        key,
			Count:      count,
			Limit:      limiter.Limit,
			RetryAfter: windowStart.Add(window).Sub(now),
		}
	}
	return nil
}

func (g *Guard) now() time.Time {
	if g != nil && g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}
