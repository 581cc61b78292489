package router

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/julienschmidt/httprouter"
)

// ErrRouteNotFound is returned when no published route matches a request.
var ErrRouteNotFound = errors.New("no route matches request")

// Router resolves requests to routes. The full route set lives in one
// immutable snapshot swapped atomically on publish, so an in-flight
// resolution always observes a consistent set.
//
// Matching precedence: exact host + exact path, then exact host + longest
// path prefix, then exact host + regex, then the same tiers under the
// wildcard host. Ties within a tier go to the first-registered route.
type Router struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	hosts    map[string]*hostTable // lowercased exact host → table
	wildcard *hostTable
}

// hostTable holds the three match tiers for one host.
type hostTable struct {
	tree     *httprouter.Router     // tier 1: exact (and param) paths
	groups   map[string]*routeGroup // normalized path → group
	prefixes []*prefixEntry         // tier 2: longest prefix first
	regexes  []*Route               // tier 3: registration order
}

// routeGroup is the ordered candidate list for one exact path pattern.
type routeGroup struct {
	routes []*Route
}

type prefixEntry struct {
	segments []string
	routes   []*Route
}

// standardMethods are registered with httprouter for every exact path;
// per-route method restrictions are checked inside the group.
var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// New creates a router with an empty route set.
func New() *Router {
	rt := &Router{}
	rt.snap.Store(&snapshot{hosts: map[string]*hostTable{}, wildcard: newHostTable()})
	return rt
}

func newHostTable() *hostTable {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	return &hostTable{
		tree:   tree,
		groups: make(map[string]*routeGroup),
	}
}

// Publish builds a new snapshot from the given specs and swaps it in
// atomically. Registration order is the slice order. The built routes are
// returned in that order so callers can bind per-route state.
func (r *Router) Publish(specs []RouteSpec) ([]*Route, error) {
	next := &snapshot{
		hosts:    make(map[string]*hostTable),
		wildcard: newHostTable(),
	}

	routes := make([]*Route, 0, len(specs))
	for i, spec := range specs {
		route, err := newRoute(spec, i)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)

		table := next.wildcard
		if !route.Wildcard() {
			key := strings.ToLower(route.Host)
			t, ok := next.hosts[key]
			if !ok {
				t = newHostTable()
				next.hosts[key] = t
			}
			table = t
		}
		table.add(route)
	}

	for _, t := range next.hosts {
		t.finish()
	}
	next.wildcard.finish()

	r.snap.Store(next)
	return routes, nil
}

// Resolve finds the route for a host, path, and method.
func (r *Router) Resolve(host, path, method string) (*Route, error) {
	snap := r.snap.Load()

	if h := hostKey(host); h != "" {
		if table, ok := snap.hosts[h]; ok {
			if route := table.resolve(path, method); route != nil {
				return route, nil
			}
		}
	}
	if route := snap.wildcard.resolve(path, method); route != nil {
		return route, nil
	}
	return nil, ErrRouteNotFound
}

// ResolveRequest resolves an inbound request.
func (r *Router) ResolveRequest(req *http.Request) (*Route, error) {
	return r.Resolve(req.Host, req.URL.Path, req.Method)
}

// hostKey lowercases a host and strips any port.
func hostKey(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx != -1 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	return strings.ToLower(host)
}

func (t *hostTable) add(route *Route) {
	switch route.MatchType {
	case MatchRegex:
		t.regexes = append(t.regexes, route)
	case MatchPrefix:
		t.addPrefix(route)
	default:
		t.addExact(route)
	}
}

func (t *hostTable) addExact(route *Route) {
	path := route.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	group, ok := t.groups[path]
	if !ok {
		group = &routeGroup{}
		t.groups[path] = group
		for _, method := range standardMethods {
			t.tree.Handler(method, path, group)
		}
	}
	group.routes = append(group.routes, route)
}

func (t *hostTable) addPrefix(route *Route) {
	path := route.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	segments := splitPath(path)

	for _, e := range t.prefixes {
		if samePath(e.segments, segments) {
			e.routes = append(e.routes, route)
			return
		}
	}
	t.prefixes = append(t.prefixes, &prefixEntry{
		segments: segments,
		routes:   []*Route{route},
	})
}

// finish orders the tiers: groups by registration order, prefixes longest
// first with registration order as the tie-break.
func (t *hostTable) finish() {
	for _, g := range t.groups {
		sort.SliceStable(g.routes, func(i, j int) bool {
			return g.routes[i].order < g.routes[j].order
		})
	}
	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].segments) > len(t.prefixes[j].segments)
	})
	sort.SliceStable(t.regexes, func(i, j int) bool {
		return t.regexes[i].order < t.regexes[j].order
	})
}

func (t *hostTable) resolve(path, method string) *Route {
	// Tier 1: exact paths via the radix tree.
	cw := &captureWriter{method: method}
	req := &http.Request{Method: method, URL: &url.URL{Path: path}}
	t.tree.ServeHTTP(cw, req)
	if cw.match != nil {
		return cw.match
	}

	// Tier 2: longest prefix.
	reqSegments := splitPath(path)
	for _, e := range t.prefixes {
		if !segmentsHavePrefix(reqSegments, e.segments) {
			continue
		}
		for _, route := range e.routes {
			if route.AllowsMethod(method) {
				return route
			}
		}
	}

	// Tier 3: regex patterns.
	for _, route := range t.regexes {
		if route.AllowsMethod(method) && route.regex.MatchString(path) {
			return route
		}
	}
	return nil
}

// captureWriter is a no-op ResponseWriter used to extract the matched route
// from httprouter dispatch without writing an HTTP response.
type captureWriter struct {
	method string
	match  *Route
	header http.Header
}

func (cw *captureWriter) Header() http.Header {
	if cw.header == nil {
		cw.header = make(http.Header)
	}
	return cw.header
}

func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// ServeHTTP is invoked by httprouter for a matched path; it records the first
// candidate route that accepts the request method.
func (g *routeGroup) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cw, ok := w.(*captureWriter)
	if !ok {
		return
	}
	for _, route := range g.routes {
		if route.AllowsMethod(cw.method) {
			cw.match = route
			return
		}
	}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func segmentsHavePrefix(path, prefix []string) bool {
	if len(path) < len(prefix) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}
