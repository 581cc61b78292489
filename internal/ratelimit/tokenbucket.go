package ratelimit

import (
	"context"
	"time"
)

// TokenBucket is a per-key token bucket limiter. Buckets are created lazily
// on first admit; buckets idle past the stale cutoff are evicted by a
// background sweep.
type TokenBucket struct {
	rate   float64 // tokens per second
	burst  int
	period time.Duration

	buckets *shardedMap[*bucket]
	now     func() time.Time
	stop    chan struct{}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewTokenBucket creates a token bucket limiter for the policy.
func NewTokenBucket(p Policy) *TokenBucket {
	p = p.withDefaults()
	tb := &TokenBucket{
		rate:    float64(p.Rate) / p.Period.Seconds(),
		burst:   p.Burst,
		period:  p.Period,
		buckets: newShardedMap[*bucket](),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go tb.sweep()
	return tb
}

// Admit takes one token for key if available.
func (tb *TokenBucket) Admit(_ context.Context, key string) Decision {
	now := tb.now()

	s := tb.buckets.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.items[key]
	if !ok {
		b = &bucket{tokens: float64(tb.burst), lastSeen: now}
		s.items[key] = b
	}

	// Refill for elapsed time, capped at burst.
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * tb.rate
	if b.tokens > float64(tb.burst) {
		b.tokens = float64(tb.burst)
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{
			Allowed:   true,
			Remaining: int(b.tokens),
			Reset:     now.Add(tb.period),
		}
	}

	// Time until the next whole token accrues.
	wait := time.Duration((1 - b.tokens) / tb.rate * float64(time.Second))
	reset := now.Add(wait)
	return Decision{
		Allowed:    false,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: retryAfter(now, reset),
	}
}

// Close stops the background sweep.
func (tb *TokenBucket) Close() {
	close(tb.stop)
}

// sweep evicts buckets idle for more than twice the window. The shard lock
// serializes eviction against concurrent admits for the same key.
func (tb *TokenBucket) sweep() {
	interval := 2 * tb.period
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-tb.stop:
			return
		case <-ticker.C:
			now := tb.now()
			cutoff := 2 * tb.period
			tb.buckets.deleteFunc(func(_ string, b *bucket) bool {
				return now.Sub(b.lastSeen) > cutoff
			})
		}
	}
}
