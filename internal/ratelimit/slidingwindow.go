package ratelimit

import (
	"context"
	"time"
)

// SlidingWindow implements the sliding window counter algorithm: two adjacent
// fixed windows interpolated by elapsed fraction, O(1) memory per key.
type SlidingWindow struct {
	limit  int
	period time.Duration

	windows *shardedMap[*window]
	now     func() time.Time
	stop    chan struct{}
}

type window struct {
	prevCount int
	currCount int
	currStart time.Time
	lastSeen  time.Time
}

// NewSlidingWindow creates a sliding window limiter for the policy.
func NewSlidingWindow(p Policy) *SlidingWindow {
	p = p.withDefaults()
	limit := p.Rate
	if p.Burst > limit {
		limit = p.Burst
	}
	sw := &SlidingWindow{
		limit:   limit,
		period:  p.Period,
		windows: newShardedMap[*window](),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go sw.sweep()
	return sw
}

// Admit checks the interpolated count for key against the limit.
func (sw *SlidingWindow) Admit(_ context.Context, key string) Decision {
	now := sw.now()

	s := sw.windows.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.items[key]
	if !ok {
		w = &window{currStart: now.Truncate(sw.period)}
		s.items[key] = w
	}

	// Rotate past windows.
	if gap := now.Sub(w.currStart); gap >= 2*sw.period {
		w.prevCount = 0
		w.currCount = 0
		w.currStart = now.Truncate(sw.period)
	} else if gap >= sw.period {
		w.prevCount = w.currCount
		w.currCount = 0
		w.currStart = w.currStart.Add(sw.period)
	}

	elapsed := now.Sub(w.currStart)
	weight := 1.0 - float64(elapsed)/float64(sw.period)
	estimate := float64(w.prevCount)*weight + float64(w.currCount)
	reset := w.currStart.Add(sw.period)
	w.lastSeen = now

	if estimate < float64(sw.limit) {
		w.currCount++
		rem := float64(sw.limit) - estimate - 1
		if rem < 0 {
			rem = 0
		}
		return Decision{Allowed: true, Remaining: int(rem), Reset: reset}
	}

	return Decision{
		Allowed:    false,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: retryAfter(now, reset),
	}
}

// Close stops the background sweep.
func (sw *SlidingWindow) Close() {
	close(sw.stop)
}

func (sw *SlidingWindow) sweep() {
	interval := 2 * sw.period
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			now := sw.now()
			cutoff := 2 * sw.period
			sw.windows.deleteFunc(func(_ string, w *window) bool {
				return now.Sub(w.lastSeen) > cutoff
			})
		}
	}
}
