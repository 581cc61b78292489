package loadbalancer

import (
	"math/rand"

	"github.com/strataproxy/strata/internal/registry"
)

// Weighted selects healthy backends with probability proportional to their
// configured weight. Selection is stateless, so no per-group counters are
// needed and concurrent picks never contend.
type Weighted struct{}

// NewWeighted creates a weighted picker.
func NewWeighted() *Weighted {
	return &Weighted{}
}

// Pick returns a healthy backend chosen by weighted random selection.
func (w *Weighted) Pick(snap *registry.Snapshot) (*registry.Backend, error) {
	healthy := snap.Healthy
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	total := 0
	for _, b := range healthy {
		total += b.Weight
	}

	n := rand.Intn(total)
	for _, b := range healthy {
		n -= b.Weight
		if n < 0 {
			b.Acquire()
			return b, nil
		}
	}

	// Unreachable while weights are positive; guard against drift.
	b := healthy[len(healthy)-1]
	b.Acquire()
	return b, nil
}
