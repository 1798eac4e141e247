package auth

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
)

// RateLimiter decides whether an identity may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig holds rate limit settings for a service tier.
type TierConfig struct {
	RequestsPerMinute int
}

// TierLimiter applies a token bucket per subject, sized by service tier.
// A tier with zero requests per minute is unlimited.
type TierLimiter struct {
	tiers      map[string]TierConfig
	defaultRPM int

	mu       sync.Mutex
	limiters map[string]ratelimit.RateLimiter
}

// NewTierLimiter creates a limiter. Tiers not listed in tiers use
// defaultRPM.
func NewTierLimiter(tiers map[string]TierConfig, defaultRPM int) *TierLimiter {
	return &TierLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		limiters:   make(map[string]ratelimit.RateLimiter),
	}
}

// Allow consumes a token for identity.
func (l *TierLimiter) Allow(ctx context.Context, identity *Identity) error {
	tier := identity.Tier()
	rl := l.limiter(tier)
	if rl == nil {
		return nil
	}
	if !rl.Allow(ctx, identity.Subject) {
		return ErrTooManyRequests
	}
	return nil
}

func (l *TierLimiter) limiter(tier string) ratelimit.RateLimiter {
	rpm := l.defaultRPM
	if tc, ok := l.tiers[tier]; ok {
		rpm = tc.RequestsPerMinute
	}
	if rpm <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rl, ok := l.limiters[tier]; ok {
		return rl
	}
	rl := ratelimit.New(&ratelimit.Config{
		Rate:     rpm,
		Burst:    rpm,
		Interval: time.Minute,
	})
	l.limiters[tier] = rl
	return rl
}

// Close releases the per-tier limiters.
func (l *TierLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tier, rl := range l.limiters {
		rl.Close()
		delete(l.limiters, tier)
	}
	return nil
}
