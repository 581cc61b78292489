// Package health actively probes backends and drives their health state in
// the registry. Thresholds damp flapping: a backend transitions only after
// enough consecutive probe results agree.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strataproxy/strata/internal/config"
	"github.com/strataproxy/strata/internal/logging"
	"github.com/strataproxy/strata/internal/registry"
)

// Checker probes one backend group on a fixed interval.
type Checker struct {
	group    *registry.Group
	path     string
	interval time.Duration
	client   *http.Client

	healthyAfter   int
	unhealthyAfter int

	mu     sync.Mutex
	streak map[string]*probeStreak

	// OnChange, if set, is invoked after a backend transitions.
	OnChange func(group, backend string, healthy bool)

	cancel context.CancelFunc
	done   chan struct{}
}

type probeStreak struct {
	pass int
	fail int
}

// NewChecker creates a checker for a group. Zero-valued config fields get
// defaults: /healthz path, 10s interval, 5s timeout, 2 passes up, 2 fails
// down.
func NewChecker(group *registry.Group, cfg config.HealthCheckConfig) *Checker {
	path := cfg.Path
	if path == "" {
		path = "/healthz"
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	healthyAfter := cfg.HealthyAfter
	if healthyAfter <= 0 {
		healthyAfter = 2
	}
	unhealthyAfter := cfg.UnhealthyAfter
	if unhealthyAfter <= 0 {
		unhealthyAfter = 2
	}

	return &Checker{
		group:          group,
		path:           path,
		interval:       interval,
		client:         &http.Client{Timeout: timeout},
		healthyAfter:   healthyAfter,
		unhealthyAfter: unhealthyAfter,
		streak:         make(map[string]*probeStreak),
		done:           make(chan struct{}),
	}
}

// Start launches the probe loop. Stop terminates it.
func (c *Checker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(ctx)
}

func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Checker) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

// probeAll checks the group's backends concurrently. Draining backends are
// skipped; they leave rotation deliberately and probing would flip them back.
func (c *Checker) probeAll(ctx context.Context) {
	snap := c.group.Snapshot()
	var wg sync.WaitGroup
	for _, b := range snap.All {
		if b.Health() == registry.Draining {
			continue
		}
		wg.Add(1)
		go func(b *registry.Backend) {
			defer wg.Done()
			c.observe(b, c.probe(ctx, b))
		}(b)
	}
	wg.Wait()
}

// probe performs one HTTP check; any 2xx or 3xx counts as a pass.
func (c *Checker) probe(ctx context.Context, b *registry.Backend) bool {
	u := *b.URL
	u.Path = c.path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// observe folds one probe result into the backend's streak and flips the
// registry state once a threshold is crossed.
func (c *Checker) observe(b *registry.Backend, pass bool) {
	c.mu.Lock()
	s, ok := c.streak[b.ID]
	if !ok {
		s = &probeStreak{}
		c.streak[b.ID] = s
	}
	if pass {
		s.pass++
		s.fail = 0
	} else {
		s.fail++
		s.pass = 0
	}

	var flipTo registry.Health = -1
	switch {
	case pass && b.Health() == registry.Unhealthy && s.pass >= c.healthyAfter:
		flipTo = registry.Healthy
	case !pass && b.Health() == registry.Healthy && s.fail >= c.unhealthyAfter:
		flipTo = registry.Unhealthy
	}
	c.mu.Unlock()

	switch flipTo {
	case registry.Healthy:
		c.group.MarkHealthy(b.ID)
	case registry.Unhealthy:
		c.group.MarkUnhealthy(b.ID)
	default:
		return
	}

	healthy := flipTo == registry.Healthy
	logging.Info("backend health changed",
		zap.String("group", c.group.Name()),
		zap.String("backend", b.ID),
		zap.Bool("healthy", healthy))
	if c.OnChange != nil {
		c.OnChange(c.group.Name(), b.ID, healthy)
	}
}
