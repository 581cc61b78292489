package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/strataproxy/strata/internal/config"
	"github.com/strataproxy/strata/internal/gwerror"
)

const apiKeyHeader = "X-API-Key"

// APIKeyAuth verifies static API keys from the X-API-Key header. Keys are
// compared in constant time.
type APIKeyAuth struct {
	keys []apiKeyEntry
}

type apiKeyEntry struct {
	key     []byte
	subject string
	scopes  []string
}

// NewAPIKeyAuth creates an API key authenticator from configured keys.
func NewAPIKeyAuth(cfgs []config.APIKeyConfig) *APIKeyAuth {
	a := &APIKeyAuth{keys: make([]apiKeyEntry, 0, len(cfgs))}
	for _, c := range cfgs {
		a.keys = append(a.keys, apiKeyEntry{
			key:     []byte(c.Key),
			subject: c.Subject,
			scopes:  c.Scopes,
		})
	}
	return a
}

func (a *APIKeyAuth) Name() string { return "api_key" }

func (a *APIKeyAuth) Authenticate(r *http.Request) (*Identity, error) {
	presented := r.Header.Get(apiKeyHeader)
	if presented == "" {
		return nil, nil
	}

	// Scan every key so timing does not reveal which prefix matched.
	pb := []byte(presented)
	var match *apiKeyEntry
	for i := range a.keys {
		e := &a.keys[i]
		if subtle.ConstantTimeCompare(pb, e.key) == 1 && match == nil {
			match = e
		}
	}
	if match == nil {
		return nil, gwerror.ErrUnauthenticated.WithDetails("invalid API key")
	}
	return &Identity{Subject: match.subject, Scopes: match.scopes, Method: a.Name()}, nil
}
