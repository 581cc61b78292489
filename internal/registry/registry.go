package registry

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Health is the health state of a backend.
type Health int32

const (
	Healthy Health = iota
	Unhealthy
	Draining
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Backend is one upstream target. Configuration fields are immutable after
// construction; health, last-checked, and the in-flight counter are the only
// mutable state and are updated atomically. Request-handling code never writes
// any of them directly — health moves via the owning Group, the in-flight
// counter via Acquire/Release.
type Backend struct {
	ID     string
	URL    *url.URL
	Weight int

	health      atomic.Int32
	lastChecked atomic.Int64 // unix nanos, 0 = never
	inflight    atomic.Int64
}

// NewBackend creates a backend from a raw URL. Weight 0 defaults to 1.
// New backends start Healthy; active checking demotes them if they are not.
func NewBackend(id, rawURL string, weight int) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: invalid URL %q: %w", id, rawURL, err)
	}
	if weight <= 0 {
		weight = 1
	}
	if id == "" {
		id = rawURL
	}
	return &Backend{ID: id, URL: u, Weight: weight}, nil
}

// Health returns the current health state.
func (b *Backend) Health() Health {
	return Health(b.health.Load())
}

// LastChecked returns the time of the last health probe, or the zero time.
func (b *Backend) LastChecked() time.Time {
	n := b.lastChecked.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Acquire increments the in-flight request count.
func (b *Backend) Acquire() { b.inflight.Add(1) }

// Release decrements the in-flight request count.
func (b *Backend) Release() { b.inflight.Add(-1) }

// Inflight returns the current in-flight request count.
func (b *Backend) Inflight() int64 { return b.inflight.Load() }

// Snapshot is an immutable view of a group. In-flight requests hold one
// snapshot for their whole selection; later health or admin updates publish a
// new snapshot without disturbing readers.
type Snapshot struct {
	Name    string
	All     []*Backend
	Healthy []*Backend
}

// Group is a named set of backends. All mutation goes through the group and
// republishes the snapshot wholesale.
type Group struct {
	name string

	mu   sync.Mutex
	byID map[string]*Backend
	list []*Backend
	snap atomic.Pointer[Snapshot]
}

// NewGroup creates an empty group.
func NewGroup(name string) *Group {
	g := &Group{
		name: name,
		byID: make(map[string]*Backend),
	}
	g.snap.Store(&Snapshot{Name: name})
	return g
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Snapshot returns the current immutable snapshot. Lock-free.
func (g *Group) Snapshot() *Snapshot {
	return g.snap.Load()
}

// SetBackends replaces the group's backend set. Health state and in-flight
// counts of backends that survive the update (matched by ID) are preserved by
// reusing the existing Backend values.
func (g *Group) SetBackends(backends []*Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := make([]*Backend, 0, len(backends))
	nextByID := make(map[string]*Backend, len(backends))
	for _, b := range backends {
		if existing, ok := g.byID[b.ID]; ok {
			next = append(next, existing)
			nextByID[existing.ID] = existing
			continue
		}
		next = append(next, b)
		nextByID[b.ID] = b
	}

	g.list = next
	g.byID = nextByID
	g.publishLocked()
}

// MarkHealthy transitions a backend to Healthy.
func (g *Group) MarkHealthy(id string) { g.setHealth(id, Healthy) }

// MarkUnhealthy transitions a backend to Unhealthy.
func (g *Group) MarkUnhealthy(id string) { g.setHealth(id, Unhealthy) }

// SetDraining transitions a backend to Draining. Draining backends receive no
// new selections but stay in the group for recovery.
func (g *Group) SetDraining(id string) { g.setHealth(id, Draining) }

func (g *Group) setHealth(id string, h Health) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.byID[id]
	if !ok {
		return
	}
	b.lastChecked.Store(time.Now().UnixNano())
	if Health(b.health.Load()) == h {
		return
	}
	b.health.Store(int32(h))
	g.publishLocked()
}

// publishLocked rebuilds and swaps the snapshot. Caller must hold g.mu.
func (g *Group) publishLocked() {
	all := make([]*Backend, len(g.list))
	copy(all, g.list)

	healthy := make([]*Backend, 0, len(all))
	for _, b := range all {
		if b.Health() == Healthy {
			healthy = append(healthy, b)
		}
	}

	g.snap.Store(&Snapshot{Name: g.name, All: all, Healthy: healthy})
}

// Registry owns all backend groups.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*Group
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{groups: make(map[string]*Group)}
}

// Group returns the named group, or nil.
func (r *Registry) Group(name string) *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[name]
}

// SetGroup creates or replaces the backend set of a named group. Replacing
// reuses the existing Group so routes holding a reference observe the update.
func (r *Registry) SetGroup(name string, backends []*Backend) *Group {
	r.mu.Lock()
	g, ok := r.groups[name]
	if !ok {
		g = NewGroup(name)
		r.groups[name] = g
	}
	r.mu.Unlock()

	g.SetBackends(backends)
	return g
}

// Groups returns all groups.
func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// MarkHealthy forwards a health-check result to the named group.
func (r *Registry) MarkHealthy(group, id string) {
	if g := r.Group(group); g != nil {
		g.MarkHealthy(id)
	}
}

// MarkUnhealthy forwards a health-check result to the named group.
func (r *Registry) MarkUnhealthy(group, id string) {
	if g := r.Group(group); g != nil {
		g.MarkUnhealthy(id)
	}
}
