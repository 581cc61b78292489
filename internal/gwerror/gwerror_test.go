package gwerror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBaseErrorsWriteJSON(t *testing.T) {
	tests := []struct {
		err        *Error
		wantStatus int
		wantKind   Kind
	}{
		{ErrRouteNotFound, 404, KindRouteNotFound},
		{ErrUnauthenticated, 401, KindUnauthenticated},
		{ErrForbidden, 403, KindForbidden},
		{ErrRateLimited, 429, KindRateLimited},
		{ErrNoHealthyBackend, 503, KindNoHealthyBackend},
		{ErrBadGateway, 502, KindBadGateway},
		{ErrGatewayTimeout, 504, KindGatewayTimeout},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		tt.err.WriteJSON(rec)

		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.wantKind, rec.Code, tt.wantStatus)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: content-type = %q", tt.wantKind, ct)
		}

		var body struct {
			Kind    Kind   `json:"kind"`
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: invalid JSON body: %v", tt.wantKind, err)
		}
		if body.Kind != tt.wantKind {
			t.Errorf("kind = %q, want %q", body.Kind, tt.wantKind)
		}
		if body.Code != tt.wantStatus {
			t.Errorf("body code = %d, want %d", body.Code, tt.wantStatus)
		}
		if body.Message == "" {
			t.Errorf("%s: empty message", tt.wantKind)
		}
	}
}

func TestWithRetryAfter(t *testing.T) {
	e := ErrRateLimited.WithRetryAfter(3 * time.Second)
	rec := httptest.NewRecorder()
	e.WriteJSON(rec)

	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, want %q", got, "3")
	}

	// Sub-second hints round up so clients never retry immediately.
	e = ErrRateLimited.WithRetryAfter(200 * time.Millisecond)
	rec = httptest.NewRecorder()
	e.WriteJSON(rec)
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want %q", got, "1")
	}
}

func TestWithDetailsDoesNotMutateBase(t *testing.T) {
	derived := ErrBadGateway.WithDetails("dial tcp: connection refused")
	if ErrBadGateway.Details != "" {
		t.Fatal("base error mutated by WithDetails")
	}
	if derived.Details == "" || derived.StatusCode != 502 {
		t.Errorf("derived = %+v", derived)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp 10.0.0.1:80: %w", errTimeout)
	e := Wrap(ErrGatewayTimeout, cause)

	if !errors.Is(e, errTimeout) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if e.Kind != KindGatewayTimeout {
		t.Errorf("kind = %q", e.Kind)
	}

	// Cause must not leak into the client body.
	rec := httptest.NewRecorder()
	e.WriteJSON(rec)
	if got := rec.Body.String(); strings.Contains(got, "dial tcp") {
		t.Errorf("underlying cause leaked to client: %s", got)
	}
}

var errTimeout = errors.New("i/o timeout")

func TestCacheErrorClassification(t *testing.T) {
	underlying := errors.New("dial tcp 10.0.0.9:6379: connection refused")
	e := Wrap(ErrCache, underlying)

	if e.Kind != KindCache {
		t.Errorf("kind = %s", e.Kind)
	}
	if !errors.Is(e, underlying) {
		t.Error("wrapped error lost the underlying cause")
	}
	if !strings.Contains(e.Error(), "connection refused") {
		t.Errorf("error text = %q", e.Error())
	}
}

func TestFrom(t *testing.T) {
	if got := From(ErrForbidden); got != ErrForbidden {
		t.Error("From should return the same *Error")
	}
	if got := From(errors.New("plain")); got != nil {
		t.Error("From on a plain error should return nil")
	}
}
