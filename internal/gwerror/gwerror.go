package gwerror

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies terminal pipeline outcomes. Every user-visible failure maps
// to exactly one kind and one HTTP status.
type Kind string

const (
	KindRouteNotFound    Kind = "route_not_found"
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindRateLimited      Kind = "rate_limited"
	KindNoHealthyBackend Kind = "no_healthy_backend"
	KindBadGateway       Kind = "bad_gateway"
	KindGatewayTimeout   Kind = "gateway_timeout"
	KindCache            Kind = "cache"
	KindInternal         Kind = "internal"
)

// Error is a gateway error that can be rendered to clients as a stable
// machine-readable JSON body.
type Error struct {
	Kind       Kind   `json:"kind"`
	StatusCode int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`

	// RetryAfter is set for rate-limited responses and rendered as the
	// Retry-After header, not in the body.
	RetryAfter time.Duration `json:"-"`

	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Base errors, one per taxonomy kind. These singletons are pre-serialized;
// derive request-specific variants with WithDetails/WithRequestID/WithRetryAfter.
var (
	ErrRouteNotFound = &Error{
		Kind:       KindRouteNotFound,
		StatusCode: http.StatusNotFound,
		Message:    "no route matches the request",
	}

	ErrUnauthenticated = &Error{
		Kind:       KindUnauthenticated,
		StatusCode: http.StatusUnauthorized,
		Message:    "authentication required",
	}

	ErrForbidden = &Error{
		Kind:       KindForbidden,
		StatusCode: http.StatusForbidden,
		Message:    "access denied",
	}

	ErrRateLimited = &Error{
		Kind:       KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
	}

	ErrNoHealthyBackend = &Error{
		Kind:       KindNoHealthyBackend,
		StatusCode: http.StatusServiceUnavailable,
		Message:    "no healthy backend available",
	}

	ErrBadGateway = &Error{
		Kind:       KindBadGateway,
		StatusCode: http.StatusBadGateway,
		Message:    "upstream request failed",
	}

	ErrGatewayTimeout = &Error{
		Kind:       KindGatewayTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Message:    "upstream request timed out",
	}

	// ErrCache classifies cache store failures. It never reaches a
	// client: the cache degrades to a miss and the wrapped error is
	// logged.
	ErrCache = &Error{
		Kind:       KindCache,
		StatusCode: http.StatusInternalServerError,
		Message:    "cache unavailable",
	}

	ErrInternal = &Error{
		Kind:       KindInternal,
		StatusCode: http.StatusInternalServerError,
		Message:    "internal error",
	}
)

// preSerialized holds JSON bytes for the base error singletons so the common
// path writes without an allocation.
var preSerialized map[*Error][]byte

func init() {
	bases := []*Error{
		ErrRouteNotFound, ErrUnauthenticated, ErrForbidden, ErrRateLimited,
		ErrNoHealthyBackend, ErrBadGateway, ErrGatewayTimeout, ErrInternal,
	}
	preSerialized = make(map[*Error][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n')
		preSerialized[e] = b
	}
}

// New creates an error with an explicit kind, status, and message.
func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, StatusCode: status, Message: message}
}

// Wrap attaches an underlying error to a copy of base. The wrapped cause is
// kept for logs and Unwrap but never serialized to clients.
func Wrap(base *Error, err error) *Error {
	c := base.clone()
	c.underlying = err
	return c
}

// WithDetails returns a copy carrying operator-facing detail text.
func (e *Error) WithDetails(details string) *Error {
	c := e.clone()
	c.Details = details
	return c
}

// WithRequestID returns a copy carrying the request correlation ID.
func (e *Error) WithRequestID(id string) *Error {
	c := e.clone()
	c.RequestID = id
	return c
}

// WithRetryAfter returns a copy carrying a Retry-After hint. Durations under
// one second round up so clients never retry immediately.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d < time.Second {
		d = time.Second
	}
	c := e.clone()
	c.RetryAfter = d
	return c
}

func (e *Error) clone() *Error {
	return &Error{
		Kind:       e.Kind,
		StatusCode: e.StatusCode,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		RetryAfter: e.RetryAfter,
		underlying: e.underlying,
	}
}

// WriteJSON renders the error to the response writer. Base singletons use the
// pre-serialized form.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(e.StatusCode)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// From extracts a gateway error from err, or nil if err is of another type.
func From(err error) *Error {
	if ge, ok := err.(*Error); ok {
		return ge
	}
	return nil
}
