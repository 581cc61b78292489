// Package pipeline runs a request through an ordered set of stages. Request
// stages run strictly in sequence and may short-circuit or fail; response
// stages always run afterwards, even when a request stage failed, so
// observability sees every outcome.
package pipeline

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/strataproxy/strata/internal/auth"
	"github.com/strataproxy/strata/internal/gwerror"
	"github.com/strataproxy/strata/internal/router"
)

// Verdict is a request stage's decision.
type Verdict int

const (
	// Continue passes control to the next request stage.
	Continue Verdict = iota
	// ShortCircuit means the stage wrote the response itself; remaining
	// request stages are skipped.
	ShortCircuit
	// Fail means the stage set Context.Err; the executor renders it and
	// skips remaining request stages.
	Fail
)

// Stage is one step of the request phase.
type Stage interface {
	Name() string
	Handle(c *Context) Verdict
}

// ResponseStage runs after the request phase settles, successful or not.
type ResponseStage interface {
	Name() string
	Finish(c *Context)
}

// Context carries one request through the pipeline. It is owned by a single
// goroutine and never reused across requests.
type Context struct {
	W *ResponseRecorder
	R *http.Request

	RequestID string
	Route     *router.Route
	Identity  *auth.Identity

	CacheKey string // set by the cache-lookup stage
	CacheHit bool
	RateKey  string

	Start time.Time
	Err   *gwerror.Error // terminal error, set on Fail

	shortCircuitedBy string
}

// Failed reports whether a request stage failed.
func (c *Context) Failed() bool { return c.Err != nil }

// ShortCircuitedBy names the stage that ended the request phase early,
// empty when the pipeline ran to completion.
func (c *Context) ShortCircuitedBy() string { return c.shortCircuitedBy }

// Executor runs a route's stages. It holds no per-request state; shared
// state safety is each stage's responsibility.
type Executor struct {
	request  []Stage
	response []ResponseStage
}

// NewExecutor builds an executor with the given stage order.
func NewExecutor(request []Stage, response []ResponseStage) *Executor {
	return &Executor{request: request, response: response}
}

// Run executes the request phase, renders a failure if any, then runs every
// response stage.
func (e *Executor) Run(c *Context) {
	for _, s := range e.request {
		switch s.Handle(c) {
		case Continue:
			continue
		case ShortCircuit:
			c.shortCircuitedBy = s.Name()
		case Fail:
			if c.Err == nil {
				c.Err = gwerror.ErrInternal
			}
			c.shortCircuitedBy = s.Name()
			c.Err.WithRequestID(c.RequestID).WriteJSON(c.W)
		}
		break
	}

	for _, s := range e.response {
		s.Finish(c)
	}
}

// NewContext prepares a pipeline context for one request, assigning the
// request ID and echoing it to the client.
func NewContext(w http.ResponseWriter, r *http.Request, route *router.Route) *Context {
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", id)

	return &Context{
		W:         NewResponseRecorder(w),
		R:         r,
		RequestID: id,
		Route:     route,
		Start:     time.Now(),
	}
}
