package gateway

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/strataproxy/strata/internal/auth"
	"github.com/strataproxy/strata/internal/cache"
	"github.com/strataproxy/strata/internal/gwerror"
	"github.com/strataproxy/strata/internal/logging"
	"github.com/strataproxy/strata/internal/metrics"
	"github.com/strataproxy/strata/internal/pipeline"
	"github.com/strataproxy/strata/internal/proxy"
	"github.com/strataproxy/strata/internal/ratelimit"
)

// authStage verifies credentials and attaches the identity.
type authStage struct {
	verifier *auth.Verifier
}

func (s *authStage) Name() string { return "auth" }

func (s *authStage) Handle(c *pipeline.Context) pipeline.Verdict {
	id, err := s.verifier.Verify(c.R, c.Route.Auth)
	if err != nil {
		c.Err = gwerror.From(err)
		return pipeline.Fail
	}
	c.Identity = id
	return pipeline.Continue
}

// rateLimitStage admits or rejects by the route's limiter.
type rateLimitStage struct {
	limiter ratelimit.Limiter
	keyFn   ratelimit.KeyFunc
	metrics *metrics.Metrics
	routeID string
}

func (s *rateLimitStage) Name() string { return "ratelimit" }

func (s *rateLimitStage) Handle(c *pipeline.Context) pipeline.Verdict {
	subject := ""
	if c.Identity != nil {
		subject = c.Identity.Subject
	}
	c.RateKey = s.keyFn(c.R, subject)

	d := s.limiter.Admit(c.R.Context(), c.RateKey)
	if !d.Allowed {
		s.metrics.RateLimitRejected(s.routeID)
		c.Err = gwerror.ErrRateLimited.WithRetryAfter(d.RetryAfter)
		return pipeline.Fail
	}
	s.metrics.RateLimitAllowed(s.routeID)
	return pipeline.Continue
}

// cacheLookupStage serves fresh entries and arms response capture on a miss.
type cacheLookupStage struct {
	handler *cache.Handler
	metrics *metrics.Metrics
	routeID string
}

func (s *cacheLookupStage) Name() string { return "cache-lookup" }

func (s *cacheLookupStage) Handle(c *pipeline.Context) pipeline.Verdict {
	if !s.handler.Cacheable(c.R) {
		return pipeline.Continue
	}

	c.CacheKey = s.handler.Fingerprint(c.R)
	if entry, ok := s.handler.Lookup(c.CacheKey); ok {
		c.CacheHit = true
		s.metrics.CacheHit(s.routeID)
		cache.WriteCached(c.W, entry, time.Now())
		return pipeline.ShortCircuit
	}

	s.metrics.CacheMiss(s.routeID)
	c.W.Capture(s.handler.MaxBodySize())
	c.W.Header().Set("X-Cache", "MISS")
	return pipeline.Continue
}

// forwardStage proxies the request to a backend. Cacheable misses on routes
// with coalescing share one backend fetch between concurrent identical
// requests.
type forwardStage struct {
	upstream *proxy.Upstream
	handler  *cache.Handler // nil when the route has no cache
}

func (s *forwardStage) Name() string { return "forward" }

func (s *forwardStage) Handle(c *pipeline.Context) pipeline.Verdict {
	if s.handler != nil {
		if co := s.handler.Coalescer(); co != nil && c.CacheKey != "" {
			return s.forwardCoalesced(c, co)
		}
	}

	if err := s.upstream.Forward(c.W, c.R); err != nil {
		c.Err = gwerror.From(err)
		return pipeline.Fail
	}
	return pipeline.Continue
}

func (s *forwardStage) forwardCoalesced(c *pipeline.Context, co *cache.Coalescer) pipeline.Verdict {
	// The shared fetch is detached from any single caller so one client
	// disconnecting does not cancel it for the rest.
	detached := c.R.WithContext(context.WithoutCancel(c.R.Context()))

	entry, shared, err := co.Do(c.R.Context(), c.CacheKey, func() (*cache.Entry, error) {
		bw := newBufferWriter()
		if err := s.upstream.Forward(bw, detached); err != nil {
			return nil, err
		}
		return bw.entry(), nil
	})
	if err != nil {
		c.Err = gwerror.From(err)
		return pipeline.Fail
	}

	h := c.W.Header()
	for k, vv := range entry.Header {
		h[k] = append(h[k][:0:0], vv...)
	}
	if shared {
		h.Set("X-Coalesced", "true")
	}
	c.W.WriteHeader(entry.StatusCode)
	c.W.Write(entry.Body)
	return pipeline.Continue
}

// bufferWriter captures a forwarded response without a client attached.
type bufferWriter struct {
	header http.Header
	status int
	body   []byte
}

func newBufferWriter() *bufferWriter {
	return &bufferWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *bufferWriter) Header() http.Header  { return w.header }
func (w *bufferWriter) WriteHeader(code int) { w.status = code }
func (w *bufferWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return len(b), nil
}

func (w *bufferWriter) entry() *cache.Entry {
	return &cache.Entry{StatusCode: w.status, Header: w.header.Clone(), Body: w.body}
}

// cacheStoreStage persists a captured successful response. It never runs on
// failure and never overwrites a hit.
type cacheStoreStage struct {
	handler *cache.Handler
}

func (s *cacheStoreStage) Name() string { return "cache-store" }

func (s *cacheStoreStage) Finish(c *pipeline.Context) {
	if c.Failed() || c.CacheHit || c.CacheKey == "" {
		return
	}
	body := c.W.Body()
	if body == nil {
		return
	}
	if !s.handler.Storable(c.W.Status(), c.W.Header(), int64(len(body))) {
		return
	}

	header := c.W.Header().Clone()
	for _, h := range []string{"X-Cache", "X-Coalesced", "X-Request-Id", "Age"} {
		header.Del(h)
	}
	s.handler.Store(c.CacheKey, c.W.Status(), header, body)
}

// observeStage emits the completion metric and access log line for every
// request, failed or not.
type observeStage struct {
	metrics *metrics.Metrics
	routeID string
}

func (s *observeStage) Name() string { return "observe" }

func (s *observeStage) Finish(c *pipeline.Context) {
	elapsed := time.Since(c.Start)
	status := c.W.Status()
	s.metrics.ObserveRequest(s.routeID, c.R.Method, status, elapsed)

	logging.Info("request",
		zap.String("request_id", c.RequestID),
		zap.String("route", s.routeID),
		zap.String("method", c.R.Method),
		zap.String("path", c.R.URL.Path),
		zap.String("client", ratelimit.ClientIP(c.R)),
		zap.Int("status", status),
		zap.Int64("bytes", c.W.BytesWritten()),
		zap.Duration("duration", elapsed),
		zap.Bool("cache_hit", c.CacheHit))
}
