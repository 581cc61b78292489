package router

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/strataproxy/strata/internal/config"
	"github.com/strataproxy/strata/internal/registry"
)

// MatchType is how a route's path pattern is interpreted.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchRegex  MatchType = "regex"
)

// Route binds a match pattern to a backend group and the per-route stage
// policies. Routes are immutable once published; configuration changes build
// a new route set and swap it wholesale.
type Route struct {
	ID        string
	Host      string // "" or "*" matches any host
	Path      string
	MatchType MatchType
	Group     *registry.Group
	Policy    string // balancer policy name

	Auth      config.RouteAuthConfig
	RateLimit *config.RateLimitConfig
	Cache     *config.CacheConfig
	Retry     config.RetryConfig
	Timeout   time.Duration

	methods map[string]bool // nil = all methods
	regex   *regexp.Regexp  // compiled for MatchRegex
	order   int             // registration order, first wins on ties
}

// RouteSpec describes a route to publish. Group must already be resolved
// against the registry.
type RouteSpec struct {
	ID        string
	Host      string
	Path      string
	MatchType MatchType
	Methods   []string
	Group     *registry.Group
	Policy    string

	Auth      config.RouteAuthConfig
	RateLimit *config.RateLimitConfig
	Cache     *config.CacheConfig
	Retry     config.RetryConfig
	Timeout   time.Duration
}

// AllowsMethod reports whether the route accepts the given HTTP method.
func (rt *Route) AllowsMethod(method string) bool {
	if rt.methods == nil {
		return true
	}
	return rt.methods[method]
}

// Wildcard reports whether the route matches any host.
func (rt *Route) Wildcard() bool {
	return rt.Host == "" || rt.Host == "*"
}

func newRoute(spec RouteSpec, order int) (*Route, error) {
	rt := &Route{
		ID:        spec.ID,
		Host:      spec.Host,
		Path:      spec.Path,
		MatchType: spec.MatchType,
		Group:     spec.Group,
		Policy:    spec.Policy,
		Auth:      spec.Auth,
		RateLimit: spec.RateLimit,
		Cache:     spec.Cache,
		Retry:     spec.Retry,
		Timeout:   spec.Timeout,
		order:     order,
	}
	if rt.MatchType == "" {
		rt.MatchType = MatchPrefix
	}
	if len(spec.Methods) > 0 {
		rt.methods = make(map[string]bool, len(spec.Methods))
		for _, m := range spec.Methods {
			rt.methods[strings.ToUpper(m)] = true
		}
	}
	if rt.MatchType == MatchRegex {
		re, err := regexp.Compile(spec.Path)
		if err != nil {
			return nil, err
		}
		rt.regex = re
	} else if strings.ContainsAny(spec.Path, ":*") {
		// httprouter reads ':' and '*' as parameter patterns and panics on
		// tree conflicts instead of returning an error, so literal paths
		// must not contain them.
		return nil, fmt.Errorf("route %q: path %q contains reserved pattern characters ':' or '*'", spec.ID, spec.Path)
	}
	return rt, nil
}
