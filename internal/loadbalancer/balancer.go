package loadbalancer

import (
	"errors"
	"fmt"

	"github.com/strataproxy/strata/internal/registry"
)

// ErrNoHealthyBackend is returned when a group has no healthy backend to
// select from.
var ErrNoHealthyBackend = errors.New("no healthy backend in group")

// Picker selects one backend from a group snapshot. Implementations must be
// safe for concurrent use; per-group counters are the picker's own state.
//
// Pick acquires the returned backend's in-flight slot. The caller must call
// Release on the backend exactly once when the request completes or fails, so
// least-connections accounting stays exact.
type Picker interface {
	Pick(snap *registry.Snapshot) (*registry.Backend, error)
}

// Policy names accepted by New.
const (
	PolicyRoundRobin = "round_robin"
	PolicyWeighted   = "weighted"
	PolicyLeastConn  = "least_conn"
)

// New creates a picker for the named policy. An empty policy defaults to
// round-robin.
func New(policy string) (Picker, error) {
	switch policy {
	case "", PolicyRoundRobin:
		return NewRoundRobin(), nil
	case PolicyWeighted:
		return NewWeighted(), nil
	case PolicyLeastConn:
		return NewLeastConn(), nil
	default:
		return nil, fmt.Errorf("unknown balancer policy %q", policy)
	}
}
