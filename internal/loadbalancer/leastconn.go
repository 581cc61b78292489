package loadbalancer

import (
	"sync/atomic"

	"github.com/strataproxy/strata/internal/registry"
)

// LeastConn selects the healthy backend with the fewest in-flight requests.
// Ties are broken in round-robin order: the scan starts at a rotating offset,
// so equally loaded backends share selections instead of the first always
// winning.
type LeastConn struct {
	cursor atomic.Uint64
}

// NewLeastConn creates a least-connections picker.
func NewLeastConn() *LeastConn {
	return &LeastConn{}
}

// Pick returns the healthy backend with the lowest in-flight count.
func (lc *LeastConn) Pick(snap *registry.Snapshot) (*registry.Backend, error) {
	healthy := snap.Healthy
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	offset := int(lc.cursor.Add(1) - 1)
	n := len(healthy)

	best := healthy[offset%n]
	bestActive := best.Inflight()
	for i := 1; i < n; i++ {
		b := healthy[(offset+i)%n]
		if active := b.Inflight(); active < bestActive {
			best = b
			bestActive = active
		}
	}

	best.Acquire()
	return best, nil
}
