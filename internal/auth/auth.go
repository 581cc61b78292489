// Package auth verifies request credentials against configured API keys and
// JWTs and enforces per-route scope requirements. The gateway only verifies
// credentials; issuing them is out of scope.
package auth

import (
	"net/http"

	"github.com/strataproxy/strata/internal/config"
	"github.com/strataproxy/strata/internal/gwerror"
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Subject string
	Scopes  []string
	Method  string // api_key or jwt
}

// HasScope reports whether the identity carries the scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator verifies one credential type. A nil identity with a nil
// error means the request carries no credential of this type.
type Authenticator interface {
	Name() string
	Authenticate(r *http.Request) (*Identity, error)
}

// Verifier runs the configured authenticators and enforces route policy.
type Verifier struct {
	byName map[string]Authenticator
	order  []Authenticator
}

// NewVerifier builds a verifier from gateway-level auth config.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	v := &Verifier{byName: make(map[string]Authenticator)}

	if len(cfg.APIKeys) > 0 {
		v.add(NewAPIKeyAuth(cfg.APIKeys))
	}
	if cfg.JWT.Secret != "" {
		j, err := NewJWTAuth(cfg.JWT)
		if err != nil {
			return nil, err
		}
		v.add(j)
	}
	return v, nil
}

func (v *Verifier) add(a Authenticator) {
	v.byName[a.Name()] = a
	v.order = append(v.order, a)
}

// Verify authenticates the request per the route's policy.
//
// When auth is not required and no credential is present, the request is
// anonymous. A presented-but-invalid credential always fails, required or
// not. After authentication the identity must hold every required scope.
func (v *Verifier) Verify(r *http.Request, rt config.RouteAuthConfig) (*Identity, error) {
	auths := v.order
	if len(rt.Methods) > 0 {
		auths = auths[:0:0]
		for _, name := range rt.Methods {
			if a, ok := v.byName[name]; ok {
				auths = append(auths, a)
			}
		}
	}

	var identity *Identity
	var lastErr error
	for _, a := range auths {
		id, err := a.Authenticate(r)
		if err != nil {
			lastErr = err
			continue
		}
		if id != nil {
			identity = id
			break
		}
	}

	if identity == nil {
		if lastErr != nil {
			return nil, lastErr
		}
		if rt.Required {
			return nil, gwerror.ErrUnauthenticated.WithDetails("no credentials provided")
		}
		return nil, nil
	}

	for _, scope := range rt.Scopes {
		if !identity.HasScope(scope) {
			return nil, gwerror.ErrForbidden.WithDetails("missing required scope: " + scope)
		}
	}
	return identity, nil
}
