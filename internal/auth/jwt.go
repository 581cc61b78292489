package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/strataproxy/strata/internal/config"
	"github.com/strataproxy/strata/internal/gwerror"
)

// JWTAuth verifies HMAC-signed bearer tokens. Expiry and not-before are
// validated by the parser; issuer and audience when configured.
type JWTAuth struct {
	secret      []byte
	scopesClaim string
	parser      *jwt.Parser
}

// NewJWTAuth creates a JWT authenticator for HS256/384/512 tokens.
func NewJWTAuth(cfg config.JWTConfig) (*JWTAuth, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt auth requires a secret")
	}

	scopesClaim := cfg.ScopesClaim
	if scopesClaim == "" {
		scopesClaim = "scope"
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTAuth{
		secret:      []byte(cfg.Secret),
		scopesClaim: scopesClaim,
		parser:      jwt.NewParser(opts...),
	}, nil
}

func (a *JWTAuth) Name() string { return "jwt" }

func (a *JWTAuth) Authenticate(r *http.Request) (*Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil
	}

	token, err := a.parser.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, gwerror.ErrUnauthenticated.WithDetails(fmt.Sprintf("invalid token: %v", err))
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, gwerror.ErrUnauthenticated.WithDetails("invalid token claims")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, gwerror.ErrUnauthenticated.WithDetails("token missing subject")
	}

	return &Identity{
		Subject: subject,
		Scopes:  parseScopes(claims[a.scopesClaim]),
		Method:  a.Name(),
	}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// parseScopes accepts both claim shapes: a space-separated string (RFC 8693
// style) or a JSON array of strings.
func parseScopes(v interface{}) []string {
	switch s := v.(type) {
	case string:
		return strings.Fields(s)
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
