// Package retry decides whether a failed forward may be attempted again and
// how long to wait before the next try.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/strataproxy/strata/internal/config"
)

// DefaultRetryableStatuses trigger a retry when returned by a backend.
var DefaultRetryableStatuses = []int{502, 503, 504}

// DefaultRetryableMethods are idempotent and safe to re-send.
var DefaultRetryableMethods = []string{"GET", "HEAD", "OPTIONS"}

// Policy holds a route's retry budget and backoff schedule.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PerTryTimeout  time.Duration

	statuses map[int]bool
	methods  map[string]bool
}

// NewPolicy creates a retry policy from route config, applying defaults for
// unset fields. A zero MaxRetries means a single attempt.
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		PerTryTimeout:  cfg.PerTryTimeout,
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 50 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}

	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	p.statuses = make(map[int]bool, len(statuses))
	for _, s := range statuses {
		p.statuses[s] = true
	}

	methods := cfg.RetryableMethods
	if len(methods) == 0 {
		methods = DefaultRetryableMethods
	}
	p.methods = make(map[string]bool, len(methods))
	for _, m := range methods {
		p.methods[strings.ToUpper(m)] = true
	}
	return p
}

// RetryableMethod reports whether the method may be re-sent at all.
// Non-idempotent methods are never auto-retried.
func (p *Policy) RetryableMethod(method string) bool {
	return p.methods[method]
}

// RetryableStatus reports whether a backend status code warrants a retry.
func (p *Policy) RetryableStatus(code int) bool {
	return p.statuses[code]
}

// RetryableError reports whether a transport error warrants a retry against
// another backend. Caller cancellation is final.
func (p *Policy) RetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Backoff returns the wait before the given retry (1-based), doubling from
// InitialBackoff and capped at MaxBackoff.
func (p *Policy) Backoff(retry int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Wait sleeps for the retry's backoff or returns early when ctx is done.
func (p *Policy) Wait(ctx context.Context, retry int) error {
	t := time.NewTimer(p.Backoff(retry))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTimeout reports whether a transport error was a timeout rather than a
// connection failure, deciding 504 versus 502 at the edge.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
