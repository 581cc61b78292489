package cache

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Coalescer deduplicates concurrent identical cache misses: one caller runs
// the backend fetch, the rest share its result. Keys reuse the route's
// request fingerprint.
type Coalescer struct {
	group  singleflight.Group
	shared atomic.Int64
	leads  atomic.Int64
}

// CoalesceStats holds coalescing counters.
type CoalesceStats struct {
	Leads  int64 `json:"leads"`
	Shared int64 `json:"shared"`
}

func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// Do runs fn through singleflight. The caller's context cancels only its
// own wait; the in-flight fetch keeps running for the other waiters.
// The bool result reports whether this caller shared another's result.
func (c *Coalescer) Do(ctx context.Context, key string, fn func() (*Entry, error)) (*Entry, bool, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		c.leads.Add(1)
		return fn()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Shared {
			c.shared.Add(1)
		}
		return res.Val.(*Entry), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Stats returns a snapshot of coalescing counters.
func (c *Coalescer) Stats() CoalesceStats {
	return CoalesceStats{Leads: c.leads.Load(), Shared: c.shared.Load()}
}
