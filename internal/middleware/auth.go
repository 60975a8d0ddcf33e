// Package middleware provides the HTTP cross-cutting layers: request
// tagging, per-client rate limiting, and bearer-token authentication.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type principalKey struct{}

// WithPrincipal stores the principal name in the context.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

// PrincipalFromContext extracts the principal name from the context.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(principalKey{}).(string)
	return name, ok
}

// Auth requires a valid bearer token on every request it wraps. The
// principal name is the validator's name claim, falling back to the
// token subject.
func Auth(validator JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeJSONStatus(w, http.StatusUnauthorized, "unauthorized: provide a bearer token")
				return
			}

			claims, err := validator.Validate(r.Context(), token)
			if err != nil {
				writeJSONStatus(w, http.StatusUnauthorized, "unauthorized: invalid bearer token")
				return
			}

			name := claims.Name
			if name == "" {
				name = claims.Subject
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), name)))
		})
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    status,
		"message": message,
	})
}
