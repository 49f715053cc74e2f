package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type scopesKey struct{}

type syncClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// requireScope authenticates the bearer token and admits requests holding at
// least one of the wanted scopes. Granted scopes land in the request context.
func (s *Server) requireScope(wanted ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.SyncJWTSecret == "" {
				http.Error(w, "sync endpoint not configured", http.StatusServiceUnavailable)
				return
			}
			token := extractBearer(r)
			if token == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			var claims syncClaims
			parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
				return []byte(s.cfg.SyncJWTSecret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !parsed.Valid {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			granted := map[string]bool{}
			for _, scope := range claims.Scopes {
				for _, want := range wanted {
					if scope == want {
						granted[scope] = true
					}
				}
			}
			if len(granted) == 0 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), scopesKey{}, granted)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func scopesFromContext(ctx context.Context) map[string]bool {
	if scopes, ok := ctx.Value(scopesKey{}).(map[string]bool); ok {
		return scopes
	}
	return map[string]bool{}
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
