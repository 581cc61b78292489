// Package proxy forwards requests to backend groups over a shared transport,
// with bounded retries against other healthy backends.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/strataproxy/strata/internal/gwerror"
	"github.com/strataproxy/strata/internal/loadbalancer"
	"github.com/strataproxy/strata/internal/logging"
	"github.com/strataproxy/strata/internal/registry"
	"github.com/strataproxy/strata/internal/retry"
	"github.com/strataproxy/strata/internal/router"
)

// Upstream forwards requests for a single route: pick a backend, send, and
// on transport failure or a retryable status retry against another healthy
// backend within the route's budget.
type Upstream struct {
	transport http.RoundTripper
	route     *router.Route
	picker    loadbalancer.Picker
	policy    *retry.Policy

	// OnRetry, if set, is called before each retry attempt.
	OnRetry func()

	// OnInflight, if set, observes a backend's in-flight count after
	// every acquire and release.
	OnInflight func(backend string, n int64)
}

// NewUpstream creates the per-route forwarder.
func NewUpstream(transport http.RoundTripper, route *router.Route, picker loadbalancer.Picker) *Upstream {
	return &Upstream{
		transport: transport,
		route:     route,
		picker:    picker,
		policy:    retry.NewPolicy(route.Retry),
	}
}

// Forward proxies the request and streams the backend response to w. The
// returned error is always a gateway error ready to render; nil means the
// response has been written.
func (u *Upstream) Forward(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	attempts := 1
	if u.policy.MaxRetries > 0 && u.policy.RetryableMethod(r.Method) {
		attempts = u.policy.MaxRetries + 1
	}

	// The body is consumed by the first try; buffer it only when a retry
	// could need to re-send it.
	var body []byte
	if attempts > 1 && r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return gwerror.Wrap(gwerror.ErrBadGateway, err).WithDetails("failed to buffer request body")
		}
	}

	var lastErr *gwerror.Error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if u.OnRetry != nil {
				u.OnRetry()
			}
			if err := u.policy.Wait(ctx, attempt); err != nil {
				return u.mapContextErr(err, lastErr)
			}
		}

		backend, err := u.picker.Pick(u.route.Group.Snapshot())
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return gwerror.ErrNoHealthyBackend
		}
		if u.OnInflight != nil {
			u.OnInflight(backend.ID, backend.Inflight())
		}

		resp, done, err := u.try(ctx, r, backend, body)
		if err != nil {
			u.release(backend)
			done()
			if ctx.Err() != nil {
				return u.mapContextErr(ctx.Err(), lastErr)
			}
			if retry.IsTimeout(err) {
				lastErr = gwerror.Wrap(gwerror.ErrGatewayTimeout, err)
			} else {
				// Take the backend out of rotation so the next pick
				// lands elsewhere. The health checker revives it.
				u.route.Group.MarkUnhealthy(backend.ID)
				lastErr = gwerror.Wrap(gwerror.ErrBadGateway, err)
			}
			logging.Warn("forward attempt failed",
				zap.String("route", u.route.ID),
				zap.String("backend", backend.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if u.policy.RetryableError(err) {
				continue
			}
			return lastErr
		}

		if attempts > 1 && attempt+1 < attempts && u.policy.RetryableStatus(resp.StatusCode) {
			resp.Body.Close()
			u.release(backend)
			done()
			lastErr = gwerror.ErrBadGateway.WithDetails(
				fmt.Sprintf("backend %s returned %d", backend.ID, resp.StatusCode))
			continue
		}

		writeResponse(w, resp)
		resp.Body.Close()
		u.release(backend)
		done()
		return nil
	}
	return lastErr
}

// release returns the backend's in-flight slot and reports the new count.
func (u *Upstream) release(b *registry.Backend) {
	b.Release()
	if u.OnInflight != nil {
		u.OnInflight(b.ID, b.Inflight())
	}
}

// try performs one round trip. The returned done func releases the per-try
// deadline and must be called after the response body is consumed.
func (u *Upstream) try(ctx context.Context, r *http.Request, backend *registry.Backend, body []byte) (*http.Response, context.CancelFunc, error) {
	done := func() {}
	if u.policy.PerTryTimeout > 0 {
		ctx, done = context.WithTimeout(ctx, u.policy.PerTryTimeout)
	}

	req := u.proxyRequest(ctx, r, backend.URL)
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	} else {
		req.Body = r.Body
		req.ContentLength = r.ContentLength
	}

	resp, err := u.transport.RoundTrip(req)
	return resp, done, err
}

// proxyRequest builds the outbound request: target URL joined with the
// request path, headers copied with hop-by-hop stripped, forwarding headers
// appended.
func (u *Upstream) proxyRequest(ctx context.Context, r *http.Request, target *url.URL) *http.Request {
	outURL := *target
	outURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	outURL.RawQuery = r.URL.RawQuery

	req := (&http.Request{
		Method:     r.Method,
		URL:        &outURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       target.Host,
		Header:     make(http.Header, len(r.Header)+3),
	}).WithContext(ctx)

	for k, vv := range r.Header {
		req.Header[k] = vv
	}
	removeHopHeaders(req.Header)

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			req.Header.Set("X-Forwarded-For", host)
		}
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Forwarded-Host", r.Host)
	return req
}

// mapContextErr distinguishes a deadline blown mid-forward from the caller
// going away. A prior attempt's error wins over a bare cancellation.
func (u *Upstream) mapContextErr(err error, lastErr *gwerror.Error) *gwerror.Error {
	if err == context.DeadlineExceeded {
		return gwerror.Wrap(gwerror.ErrGatewayTimeout, err)
	}
	if lastErr != nil {
		return lastErr
	}
	return gwerror.Wrap(gwerror.ErrBadGateway, err)
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append(h[k][:0:0], vv...)
	}
	removeHopHeaders(h)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		if b == "" {
			return a
		}
		return a + "/" + b
	}
	return a + b
}
