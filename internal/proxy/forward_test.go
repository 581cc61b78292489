package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strataproxy/strata/internal/config"
	"github.com/strataproxy/strata/internal/gwerror"
	"github.com/strataproxy/strata/internal/loadbalancer"
	"github.com/strataproxy/strata/internal/registry"
	"github.com/strataproxy/strata/internal/router"
)

func newGroup(t *testing.T, urls ...string) *registry.Group {
	t.Helper()
	backends := make([]*registry.Backend, 0, len(urls))
	for i, u := range urls {
		b, err := registry.NewBackend("b"+string(rune('0'+i)), u, 1)
		if err != nil {
			t.Fatal(err)
		}
		backends = append(backends, b)
	}
	g := registry.NewGroup("test")
	g.SetBackends(backends)
	return g
}

func newUpstream(t *testing.T, g *registry.Group, retryCfg config.RetryConfig) *Upstream {
	t.Helper()
	picker, err := loadbalancer.New("round_robin")
	if err != nil {
		t.Fatal(err)
	}
	route := &router.Route{ID: "test-route", Group: g, Retry: retryCfg}
	return NewUpstream(http.DefaultTransport, route, picker)
}

func gatewayKind(t *testing.T, err error) gwerror.Kind {
	t.Helper()
	var ge *gwerror.Error
	if !errors.As(err, &ge) {
		t.Fatalf("error %v is not a gateway error", err)
	}
	return ge.Kind
}

func TestForwardRoundTrip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/items" {
			t.Errorf("backend path = %s", r.URL.Path)
		}
		if r.URL.RawQuery != "page=2" {
			t.Errorf("backend query = %s", r.URL.RawQuery)
		}
		if r.Header.Get("X-Forwarded-Proto") != "http" {
			t.Error("missing X-Forwarded-Proto")
		}
		if r.Header.Get("X-Forwarded-For") == "" {
			t.Error("missing X-Forwarded-For")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	u := newUpstream(t, newGroup(t, backend.URL), config.RetryConfig{})
	r := httptest.NewRequest("GET", "http://gw.local/api/items?page=2", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()

	if err := u.Forward(rec, r); err != nil {
		t.Fatal(err)
	}
	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Error("response header not copied")
	}
}

func TestForwardReleasesBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer backend.Close()

	g := newGroup(t, backend.URL)
	u := newUpstream(t, g, config.RetryConfig{})

	rec := httptest.NewRecorder()
	if err := u.Forward(rec, httptest.NewRequest("GET", "/x", nil)); err != nil {
		t.Fatal(err)
	}
	for _, b := range g.Snapshot().All {
		if n := b.Inflight(); n != 0 {
			t.Errorf("backend %s inflight = %d after completion", b.ID, n)
		}
	}
}

func TestForwardObservesInflight(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer backend.Close()

	u := newUpstream(t, newGroup(t, backend.URL), config.RetryConfig{})
	type observation struct {
		backend string
		n       int64
	}
	var seen []observation
	u.OnInflight = func(backend string, n int64) {
		seen = append(seen, observation{backend, n})
	}

	rec := httptest.NewRecorder()
	if err := u.Forward(rec, httptest.NewRequest("GET", "/x", nil)); err != nil {
		t.Fatal(err)
	}

	want := []observation{{"b0", 1}, {"b0", 0}}
	if len(seen) != len(want) {
		t.Fatalf("observations = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observation %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestForwardRetriesAgainstOtherBackend(t *testing.T) {
	var hits atomic.Int64
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(200)
		w.Write([]byte("from-alive"))
	}))
	defer alive.Close()

	// A dead address: server started then closed immediately.
	dead := httptest.NewServer(http.HandlerFunc(nil))
	deadURL := dead.URL
	dead.Close()

	g := newGroup(t, deadURL, alive.URL)
	u := newUpstream(t, g, config.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond})

	// Drive the round-robin cursor until the dead backend is first choice,
	// then confirm the retry lands on the live one.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		if err := u.Forward(rec, httptest.NewRequest("GET", "/x", nil)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if rec.Body.String() != "from-alive" {
			t.Fatalf("request %d served by wrong backend: %s", i, rec.Body.String())
		}
	}
	if hits.Load() != 2 {
		t.Errorf("alive backend hits = %d, want 2", hits.Load())
	}

	// The failed backend is out of the healthy set.
	if n := len(g.Snapshot().Healthy); n != 1 {
		t.Errorf("healthy backends = %d, want 1", n)
	}
}

func TestForwardNonIdempotentNotRetried(t *testing.T) {
	var hits atomic.Int64
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(503)
	}))
	defer failing.Close()

	u := newUpstream(t, newGroup(t, failing.URL), config.RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/x", strings.NewReader("payload"))
	if err := u.Forward(rec, r); err != nil {
		t.Fatal(err)
	}
	// The 503 passes through untouched; no retry for POST.
	if rec.Code != 503 {
		t.Errorf("status = %d", rec.Code)
	}
	if hits.Load() != 1 {
		t.Errorf("backend hits = %d, want 1", hits.Load())
	}
}

func TestForwardRetryableStatus(t *testing.T) {
	var hits atomic.Int64
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("recovered"))
	}))
	defer flaky.Close()

	u := newUpstream(t, newGroup(t, flaky.URL), config.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond})

	rec := httptest.NewRecorder()
	if err := u.Forward(rec, httptest.NewRequest("GET", "/x", nil)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != 200 || rec.Body.String() != "recovered" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if hits.Load() != 2 {
		t.Errorf("backend hits = %d, want 2", hits.Load())
	}
}

func TestForwardAllBackendsDead(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(nil))
	deadURL := dead.URL
	dead.Close()

	u := newUpstream(t, newGroup(t, deadURL), config.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond})

	err := u.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
	if err == nil {
		t.Fatal("forward to dead backend succeeded")
	}
	if k := gatewayKind(t, err); k != gwerror.KindBadGateway {
		t.Errorf("kind = %s, want bad_gateway", k)
	}
}

func TestForwardNoHealthyBackend(t *testing.T) {
	g := newGroup(t, "http://127.0.0.1:1")
	g.MarkUnhealthy("b0")

	u := newUpstream(t, g, config.RetryConfig{})
	err := u.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
	if err == nil {
		t.Fatal("expected error with empty healthy set")
	}
	if k := gatewayKind(t, err); k != gwerror.KindNoHealthyBackend {
		t.Errorf("kind = %s, want no_healthy_backend", k)
	}
}

func TestForwardPerTryTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(200)
	}))
	defer slow.Close()

	u := newUpstream(t, newGroup(t, slow.URL), config.RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		PerTryTimeout:  50 * time.Millisecond,
	})

	start := time.Now()
	err := u.Forward(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
	if err == nil {
		t.Fatal("slow backend did not time out")
	}
	if k := gatewayKind(t, err); k != gwerror.KindGatewayTimeout {
		t.Errorf("kind = %s, want gateway_timeout", k)
	}
	if time.Since(start) > time.Second {
		t.Error("per-try timeout not enforced")
	}
	// Timeouts do not eject the backend; it may just be slow.
	if n := len(u.route.Group.Snapshot().Healthy); n != 1 {
		t.Errorf("healthy backends = %d, want 1", n)
	}
}

func TestForwardBuffersBodyForRetries(t *testing.T) {
	var bodies []string
	var hits atomic.Int64
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if hits.Add(1) == 1 {
			w.WriteHeader(502)
			return
		}
		w.WriteHeader(200)
	}))
	defer flaky.Close()

	u := newUpstream(t, newGroup(t, flaky.URL), config.RetryConfig{
		MaxRetries:       1,
		InitialBackoff:   time.Millisecond,
		RetryableMethods: []string{"PUT"},
	})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("PUT", "/x", strings.NewReader("idempotent-payload"))
	if err := u.Forward(rec, r); err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 2 {
		t.Fatalf("attempts = %d, want 2", len(bodies))
	}
	for i, b := range bodies {
		if b != "idempotent-payload" {
			t.Errorf("attempt %d body = %q", i, b)
		}
	}
}

func TestHopHeadersStripped(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Authorization") != "" {
			t.Error("hop-by-hop header reached backend")
		}
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(200)
	}))
	defer backend.Close()

	u := newUpstream(t, newGroup(t, backend.URL), config.RetryConfig{})
	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("Proxy-Authorization", "secret")
	rec := httptest.NewRecorder()

	if err := u.Forward(rec, r); err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get("Keep-Alive") != "" {
		t.Error("hop-by-hop response header not stripped")
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/api", "/api"},
		{"/base", "/api", "/base/api"},
		{"/base/", "/api", "/base/api"},
		{"/base", "api", "/base/api"},
		{"/base", "", "/base"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
