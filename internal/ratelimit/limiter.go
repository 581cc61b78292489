package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration // set when denied
}

// Limiter decides admit/reject per key. Same-key checks are serialized by the
// implementation; distinct keys proceed in parallel.
type Limiter interface {
	Admit(ctx context.Context, key string) Decision
	Close()
}

// Policy specifies capacity and refill behavior.
type Policy struct {
	Algorithm string // token_bucket (default) or sliding_window
	Rate      int
	Period    time.Duration
	Burst     int
}

func (p Policy) withDefaults() Policy {
	if p.Period == 0 {
		p.Period = time.Minute
	}
	if p.Burst == 0 {
		p.Burst = p.Rate
	}
	return p
}

// New creates a local in-process limiter for the policy.
func New(p Policy) (Limiter, error) {
	switch p.Algorithm {
	case "", "token_bucket":
		return NewTokenBucket(p), nil
	case "sliding_window":
		return NewSlidingWindow(p), nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm %q", p.Algorithm)
	}
}

// KeyFunc derives the rate-limit key for a request. subject is the
// authenticated identity subject, empty when anonymous.
type KeyFunc func(r *http.Request, subject string) string

// BuildKeyFunc returns a key extraction function for the configured strategy.
// Strategies fall back to client IP when the preferred value is absent.
func BuildKeyFunc(key string) KeyFunc {
	switch {
	case key == "" || key == "ip":
		return func(r *http.Request, _ string) string {
			return ClientIP(r)
		}
	case key == "subject":
		return func(r *http.Request, subject string) string {
			if subject != "" {
				return "sub:" + subject
			}
			return ClientIP(r)
		}
	case strings.HasPrefix(key, "header:"):
		name := key[len("header:"):]
		prefix := "hdr:" + name + ":"
		return func(r *http.Request, _ string) string {
			if v := r.Header.Get(name); v != "" {
				return prefix + v
			}
			return ClientIP(r)
		}
	default:
		return func(r *http.Request, _ string) string {
			return ClientIP(r)
		}
	}
}

// ClientIP extracts the client address, honoring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfter converts a reset time into a denial hint, clamped to at least
// one second.
func retryAfter(now, reset time.Time) time.Duration {
	d := reset.Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}
