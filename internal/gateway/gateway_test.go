package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strataproxy/strata/internal/config"
)

func testBackend(t *testing.T, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func baseConfig(backendURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Groups = map[string]config.GroupConfig{
		"api": {Backends: []config.BackendConfig{{URL: backendURL}}},
	}
	cfg.Routes = []config.RouteConfig{
		{ID: "api", Path: "/api", MatchType: "prefix", Group: "api"},
	}
	return cfg
}

func TestProxiesToBackend(t *testing.T) {
	srv, hits := testBackend(t, "hello from backend")
	g := newGateway(t, baseConfig(srv.URL))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/things", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello from backend" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if hits.Load() != 1 {
		t.Errorf("backend hits = %d", hits.Load())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}
}

func TestRouteNotFound(t *testing.T) {
	srv, _ := testBackend(t, "x")
	g := newGateway(t, baseConfig(srv.URL))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/other", nil))

	if rec.Code != 404 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("non-JSON 404 body: %s", rec.Body.String())
	}
	if body["kind"] != "route_not_found" {
		t.Errorf("kind = %v", body["kind"])
	}
}

func TestUnhealthyBackendNeverSelected(t *testing.T) {
	good, goodHits := testBackend(t, "good")
	bad, badHits := testBackend(t, "bad")

	cfg := baseConfig(good.URL)
	cfg.Groups["api"] = config.GroupConfig{Backends: []config.BackendConfig{
		{URL: good.URL}, {URL: bad.URL},
	}}
	g := newGateway(t, cfg)
	g.Registry().Group("api").MarkUnhealthy("api-1")

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
		if rec.Code != 200 {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if badHits.Load() != 0 {
		t.Errorf("unhealthy backend received %d requests", badHits.Load())
	}
	if goodHits.Load() != 10 {
		t.Errorf("healthy backend hits = %d", goodHits.Load())
	}
}

func TestAuthShortCircuitsBeforeRateLimitAndForward(t *testing.T) {
	srv, hits := testBackend(t, "x")

	cfg := baseConfig(srv.URL)
	cfg.Auth.APIKeys = []config.APIKeyConfig{{Key: "valid-key", Subject: "svc"}}
	cfg.Routes[0].Auth = config.RouteAuthConfig{Required: true}
	cfg.Routes[0].RateLimit = &config.RateLimitConfig{Rate: 1, Period: time.Hour}
	g := newGateway(t, cfg)

	// Unauthenticated requests are rejected before the rate limiter or the
	// backend see them.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
		if rec.Code != 401 {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("backend hit by unauthenticated request")
	}

	// The limiter budget is untouched: the first authenticated request
	// passes despite five earlier rejections.
	r := httptest.NewRequest("GET", "/api/x", nil)
	r.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, r)
	if rec.Code != 200 {
		t.Fatalf("authenticated request status = %d", rec.Code)
	}
}

func TestRateLimitRejectsOverBudget(t *testing.T) {
	srv, hits := testBackend(t, "x")

	cfg := baseConfig(srv.URL)
	cfg.Routes[0].RateLimit = &config.RateLimitConfig{Rate: 2, Period: time.Hour}
	g := newGateway(t, cfg)

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/x", nil)
		r.RemoteAddr = "198.51.100.7:1000"
		g.ServeHTTP(rec, r)
		codes[i] = rec.Code
	}

	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Fatalf("codes = %v", codes)
	}
	if hits.Load() != 2 {
		t.Errorf("backend hits = %d, want 2", hits.Load())
	}

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/x", nil)
	r.RemoteAddr = "198.51.100.7:1000"
	g.ServeHTTP(rec, r)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After header")
	}
}

func TestCacheHitServedWithoutBackend(t *testing.T) {
	srv, hits := testBackend(t, "cacheable payload")

	cfg := baseConfig(srv.URL)
	cfg.Routes[0].Cache = &config.CacheConfig{TTL: time.Minute}
	g := newGateway(t, cfg)

	first := httptest.NewRecorder()
	g.ServeHTTP(first, httptest.NewRequest("GET", "/api/data", nil))
	if first.Header().Get("X-Cache") != "MISS" {
		t.Errorf("first X-Cache = %q", first.Header().Get("X-Cache"))
	}

	second := httptest.NewRecorder()
	g.ServeHTTP(second, httptest.NewRequest("GET", "/api/data", nil))
	if second.Header().Get("X-Cache") != "HIT" {
		t.Errorf("second X-Cache = %q", second.Header().Get("X-Cache"))
	}
	if second.Body.String() != "cacheable payload" {
		t.Errorf("cached body = %q", second.Body.String())
	}
	if hits.Load() != 1 {
		t.Errorf("backend hits = %d, want 1", hits.Load())
	}

	// A different path is a different fingerprint.
	third := httptest.NewRecorder()
	g.ServeHTTP(third, httptest.NewRequest("GET", "/api/other", nil))
	if third.Header().Get("X-Cache") != "MISS" {
		t.Error("distinct path served from cache")
	}
}

func TestErrorResponsesNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(500)
	}))
	t.Cleanup(srv.Close)

	cfg := baseConfig(srv.URL)
	cfg.Routes[0].Cache = &config.CacheConfig{TTL: time.Minute}
	g := newGateway(t, cfg)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/fail", nil))
		if rec.Code != 500 {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if hits.Load() != 2 {
		t.Errorf("backend hits = %d, want 2 (500s must not be cached)", hits.Load())
	}
}

func TestScopeForbidden(t *testing.T) {
	srv, _ := testBackend(t, "x")

	cfg := baseConfig(srv.URL)
	cfg.Auth.APIKeys = []config.APIKeyConfig{{Key: "reader", Subject: "svc", Scopes: []string{"read"}}}
	cfg.Routes[0].Auth = config.RouteAuthConfig{Required: true, Scopes: []string{"admin"}}
	g := newGateway(t, cfg)

	r := httptest.NewRequest("GET", "/api/x", nil)
	r.Header.Set("X-API-Key", "reader")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, r)

	if rec.Code != 403 {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMethodRestrictedRoute(t *testing.T) {
	srv, _ := testBackend(t, "x")

	cfg := baseConfig(srv.URL)
	cfg.Routes[0].Methods = []string{"GET"}
	g := newGateway(t, cfg)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/x", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404 for unrouted method", rec.Code)
	}
}

func TestReloadSwapsRoutes(t *testing.T) {
	v1, v1Hits := testBackend(t, "v1")
	v2, v2Hits := testBackend(t, "v2")

	g := newGateway(t, baseConfig(v1.URL))

	next := config.DefaultConfig()
	next.Groups = map[string]config.GroupConfig{
		"apiv2": {Backends: []config.BackendConfig{{URL: v2.URL}}},
	}
	next.Routes = []config.RouteConfig{
		{ID: "api-v2", Path: "/v2", MatchType: "prefix", Group: "apiv2"},
	}
	if err := g.Apply(next); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
	if rec.Code != 404 {
		t.Errorf("old route still resolvable after reload: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/v2/x", nil))
	if rec.Code != 200 || rec.Body.String() != "v2" {
		t.Errorf("new route status = %d body = %q", rec.Code, rec.Body.String())
	}
	if v1Hits.Load() != 0 || v2Hits.Load() != 1 {
		t.Errorf("hits v1=%d v2=%d", v1Hits.Load(), v2Hits.Load())
	}
}

func TestInvalidReloadRejected(t *testing.T) {
	srv, _ := testBackend(t, "x")
	g := newGateway(t, baseConfig(srv.URL))

	bad := baseConfig(srv.URL)
	bad.Routes[0].Group = "missing"
	if err := g.Apply(bad); err == nil {
		t.Fatal("reload with unknown group accepted")
	}

	// Previous routes still serve.
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest("GET", "/api/x", nil))
	if rec.Code != 200 {
		t.Errorf("status after rejected reload = %d", rec.Code)
	}
}

func TestConcurrentReloadsStayConsistent(t *testing.T) {
	srvA, _ := testBackend(t, "a")
	srvB, _ := testBackend(t, "b")

	cfgA := baseConfig(srvA.URL)
	cfgA.Routes = []config.RouteConfig{
		{ID: "route-a", Path: "/a", MatchType: "prefix", Group: "api"},
	}
	cfgB := config.DefaultConfig()
	cfgB.Groups = map[string]config.GroupConfig{
		"apib": {Backends: []config.BackendConfig{{URL: srvB.URL}}},
	}
	cfgB.Routes = []config.RouteConfig{
		{ID: "route-b", Path: "/b", MatchType: "prefix", Group: "apib"},
	}

	g := newGateway(t, cfgA)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		cfg := cfgA
		if i%2 == 1 {
			cfg = cfgB
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := g.Apply(cfg); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// Whichever config won, the published routes and the runtime map must
	// agree: a resolvable route never lands on a missing runtime.
	served := 0
	for _, path := range []string{"/a/x", "/b/x"} {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		switch rec.Code {
		case 200:
			served++
		case 404:
		default:
			t.Fatalf("%s: status = %d body = %s", path, rec.Code, rec.Body.String())
		}
	}
	if served != 1 {
		t.Errorf("served = %d, want exactly one live route", served)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testBackend(t, "x")
	cfg := baseConfig(srv.URL)
	g := newGateway(t, cfg)
	s := NewServer(g, cfg)

	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/x", nil))

	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "strata_requests_total") {
		t.Error("request counter missing from scrape")
	}
}
