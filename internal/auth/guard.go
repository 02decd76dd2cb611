package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// HeaderInternalAuth carries the shared key on internal HTTP calls and
// task envelope headers.
const HeaderInternalAuth = "X-Internal-Auth"

// ErrUnauthorized is returned when a caller presents no valid credential.
var ErrUnauthorized = errors.New("unauthorized")

// Guard authorizes service-to-service calls with a shared key. When a JWT
// validator is attached, a Bearer token is accepted as a fallback.
type Guard struct {
	key []byte
	jwt *JWTValidator
}

// NewGuard creates a guard for the given shared key. An empty key disables
// the guard so local setups work without credentials.
func NewGuard(key string, validator *JWTValidator) *Guard {
	var k []byte
	if key != "" {
		k = []byte(key)
	}
	return &Guard{key: k, jwt: validator}
}

// Enabled reports whether the guard enforces a credential.
func (g *Guard) Enabled() bool {
	return len(g.key) > 0 || g.jwt != nil
}

// Authorize checks a presented shared key. The comparison runs in constant
// time regardless of where the inputs differ.
func (g *Guard) Authorize(presented string) error {
	if !g.Enabled() {
		return nil
	}
	if len(g.key) == 0 {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(g.key, []byte(presented)) == 1 {
		return nil
	}
	return ErrUnauthorized
}

// AuthorizeRequest checks an HTTP request: shared key header first, then a
// Bearer token if a JWT validator is attached. It returns the caller name.
func (g *Guard) AuthorizeRequest(r *http.Request) (string, error) {
	if !g.Enabled() {
		return "internal", nil
	}

	if key := r.Header.Get(HeaderInternalAuth); key != "" {
		if err := g.Authorize(key); err != nil {
			return "", err
		}
		return "internal", nil
	}

	if g.jwt != nil {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			return "", ErrUnauthorized
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return "", ErrUnauthorized
		}
		caller, err := g.jwt.ValidateToken(tokenString)
		if err != nil {
			return "", ErrUnauthorized
		}
		return caller, nil
	}

	return "", ErrUnauthorized
}

// HTTPMiddleware returns an HTTP middleware that authorizes internal callers
func (g *Guard) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health checks, metrics and ping endpoints
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || r.URL.Path == "/v1/ping" {
			next.ServeHTTP(w, r)
			return
		}

		caller, err := g.AuthorizeRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), CallerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
