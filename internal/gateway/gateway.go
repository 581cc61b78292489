// Package gateway assembles the request pipeline from configuration: backend
// groups, routes, per-route limiters, caches and forwarders, and serves HTTP
// through them.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strataproxy/strata/internal/auth"
	"github.com/strataproxy/strata/internal/cache"
	"github.com/strataproxy/strata/internal/config"
	"github.com/strataproxy/strata/internal/gwerror"
	"github.com/strataproxy/strata/internal/health"
	"github.com/strataproxy/strata/internal/loadbalancer"
	"github.com/strataproxy/strata/internal/logging"
	"github.com/strataproxy/strata/internal/metrics"
	"github.com/strataproxy/strata/internal/pipeline"
	"github.com/strataproxy/strata/internal/proxy"
	"github.com/strataproxy/strata/internal/ratelimit"
	"github.com/strataproxy/strata/internal/registry"
	"github.com/strataproxy/strata/internal/router"
)

// routeRuntime is the per-route machinery built at config time.
type routeRuntime struct {
	route    *router.Route
	executor *pipeline.Executor
	limiter  ratelimit.Limiter
	cache    *cache.Handler
}

// Gateway is the assembled proxy. Routing state swaps atomically on reload;
// in-flight requests finish against the runtime they started with.
type Gateway struct {
	registry  *registry.Registry
	router    *router.Router
	metrics   *metrics.Metrics
	transport http.RoundTripper
	redis     *redis.Client

	// applyMu serializes whole reloads; without it two overlapping Apply
	// calls could publish one config's routes and swap in the other's
	// runtimes.
	applyMu sync.Mutex

	mu       sync.RWMutex
	cfg      *config.Config
	runtimes map[string]*routeRuntime
	checkers []*health.Checker
}

// New builds a gateway from configuration.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		registry:  registry.New(),
		router:    router.New(),
		metrics:   metrics.New(),
		transport: proxy.DefaultTransport(),
	}
	if cfg.Redis.Enabled {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if err := g.Apply(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Apply swaps in a new configuration: backend groups are updated in place
// (preserving health and in-flight state for surviving backends), the route
// table is republished, and per-route state is rebuilt.
func (g *Gateway) Apply(cfg *config.Config) error {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	for name, gc := range cfg.Groups {
		backends := make([]*registry.Backend, 0, len(gc.Backends))
		for i, bc := range gc.Backends {
			b, err := registry.NewBackend(fmt.Sprintf("%s-%d", name, i), bc.URL, bc.Weight)
			if err != nil {
				return err
			}
			backends = append(backends, b)
		}
		g.registry.SetGroup(name, backends)
	}

	specs := make([]router.RouteSpec, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		group := g.registry.Group(rc.Group)
		if group == nil {
			return fmt.Errorf("route %s: unknown group %q", rc.ID, rc.Group)
		}
		timeout := rc.Timeout
		if timeout <= 0 {
			timeout = cfg.Timeouts.Request
		}
		specs = append(specs, router.RouteSpec{
			ID:        rc.ID,
			Host:      rc.Host,
			Path:      rc.Path,
			MatchType: router.MatchType(rc.MatchType),
			Methods:   rc.Methods,
			Group:     group,
			Policy:    cfg.Groups[rc.Group].Policy,
			Auth:      rc.Auth,
			RateLimit: rc.RateLimit,
			Cache:     rc.Cache,
			Retry:     rc.Retry,
			Timeout:   timeout,
		})
	}

	routes, err := g.router.Publish(specs)
	if err != nil {
		return fmt.Errorf("route table: %w", err)
	}

	runtimes := make(map[string]*routeRuntime, len(routes))
	for _, rt := range routes {
		runtime, err := g.buildRuntime(rt, verifier)
		if err != nil {
			return err
		}
		runtimes[rt.ID] = runtime
	}

	checkers := make([]*health.Checker, 0, len(cfg.Groups))
	for name, gc := range cfg.Groups {
		if gc.HealthCheck == nil {
			continue
		}
		c := health.NewChecker(g.registry.Group(name), *gc.HealthCheck)
		c.OnChange = g.metrics.SetBackendHealth
		checkers = append(checkers, c)
	}

	g.mu.Lock()
	oldCheckers := g.checkers
	oldRuntimes := g.runtimes
	g.cfg = cfg
	g.runtimes = runtimes
	g.checkers = checkers
	g.mu.Unlock()

	for _, c := range oldCheckers {
		c.Stop()
	}
	for _, rt := range oldRuntimes {
		if rt.limiter != nil {
			rt.limiter.Close()
		}
	}
	for _, c := range checkers {
		c.Start()
	}

	logging.Info("configuration applied",
		zap.Int("groups", len(cfg.Groups)),
		zap.Int("routes", len(routes)))
	return nil
}

// buildRuntime wires one route's stages in pipeline order.
func (g *Gateway) buildRuntime(rt *router.Route, verifier *auth.Verifier) (*routeRuntime, error) {
	runtime := &routeRuntime{route: rt}

	request := []pipeline.Stage{&authStage{verifier: verifier}}

	if rl := rt.RateLimit; rl != nil {
		policy := ratelimit.Policy{
			Algorithm: rl.Algorithm,
			Rate:      rl.Rate,
			Period:    rl.Period,
			Burst:     rl.Burst,
		}
		var limiter ratelimit.Limiter
		if rl.Distributed && g.redis != nil {
			limiter = ratelimit.NewRedisLimiter(g.redis, policy)
		} else {
			var err error
			limiter, err = ratelimit.New(policy)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", rt.ID, err)
			}
		}
		runtime.limiter = limiter
		request = append(request, &rateLimitStage{
			limiter: limiter,
			keyFn:   ratelimit.BuildKeyFunc(rl.Key),
			metrics: g.metrics,
			routeID: rt.ID,
		})
	}

	if rt.Cache != nil {
		runtime.cache = cache.NewHandler(rt.ID, *rt.Cache, g.redis)
		request = append(request, &cacheLookupStage{
			handler: runtime.cache,
			metrics: g.metrics,
			routeID: rt.ID,
		})
	}

	picker, err := loadbalancer.New(rt.Policy)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", rt.ID, err)
	}
	upstream := proxy.NewUpstream(g.transport, rt, picker)
	upstream.OnRetry = func() { g.metrics.Retry(rt.ID) }
	group := rt.Group.Name()
	upstream.OnInflight = func(backend string, n int64) {
		g.metrics.SetBackendInflight(group, backend, n)
	}
	request = append(request, &forwardStage{upstream: upstream, handler: runtime.cache})

	var response []pipeline.ResponseStage
	if runtime.cache != nil {
		response = append(response, &cacheStoreStage{handler: runtime.cache})
	}
	response = append(response, &observeStage{metrics: g.metrics, routeID: rt.ID})

	runtime.executor = pipeline.NewExecutor(request, response)
	return runtime, nil
}

// ServeHTTP resolves the route and runs its pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, err := g.router.ResolveRequest(r)
	if err != nil {
		g.metrics.ObserveRequest("unmatched", r.Method, http.StatusNotFound, 0)
		gwerror.ErrRouteNotFound.WriteJSON(w)
		return
	}

	g.mu.RLock()
	runtime := g.runtimes[route.ID]
	g.mu.RUnlock()
	if runtime == nil {
		// Router and runtime map swap under different locks; a request
		// can land in the gap during reload.
		gwerror.ErrInternal.WriteJSON(w)
		return
	}

	if route.Timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), route.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	c := pipeline.NewContext(w, r, route)
	runtime.executor.Run(c)
}

// Metrics returns the gateway's metric collectors.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Registry returns the backend registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Close stops health checkers and limiter sweeps and releases Redis.
func (g *Gateway) Close() error {
	g.mu.Lock()
	checkers := g.checkers
	runtimes := g.runtimes
	g.checkers = nil
	g.runtimes = nil
	g.mu.Unlock()

	for _, c := range checkers {
		c.Stop()
	}
	for _, rt := range runtimes {
		if rt.limiter != nil {
			rt.limiter.Close()
		}
	}
	if g.redis != nil {
		return g.redis.Close()
	}
	return nil
}
