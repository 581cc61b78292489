package loadbalancer

import (
	"sync/atomic"

	"github.com/strataproxy/strata/internal/registry"
)

// RoundRobin selects healthy backends in rotation. The cursor is a single
// atomic counter, so concurrent selections advance it without locking;
// fairness under contention is approximate, which is acceptable.
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin creates a round-robin picker.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Pick returns the next healthy backend, wrapping over the snapshot's healthy
// slice.
func (rr *RoundRobin) Pick(snap *registry.Snapshot) (*registry.Backend, error) {
	healthy := snap.Healthy
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	idx := rr.cursor.Add(1)
	b := healthy[(idx-1)%uint64(len(healthy))]
	b.Acquire()
	return b, nil
}
