package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeySubject ctxKey = "relay.subject"

// Subject returns the authenticated subject stored in the request context,
// or "" when the request was admitted without a token (auth disabled).
func Subject(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySubject).(string); ok {
		return v
	}
	return ""
}

type Config struct {
	// Secret verifies HS256 bearer tokens. Empty disables bearer auth.
	Secret string

	// AllowDebugToken admits requests carrying X-Debug-Token matching
	// DebugToken. Development only.
	AllowDebugToken bool
	DebugToken      string
}

// RequireWriter guards mutating endpoints. With a secret configured it
// demands a valid HS256 bearer token; otherwise it falls back to the debug
// token when enabled, or admits everything (dev mode).
func RequireWriter(cfg Config) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Secret != "" {
				subject, err := verifyBearer(r, cfg.Secret)
				if err != nil {
					log.Printf("[auth] rejected %s %s: %v", r.Method, r.URL.Path, err)
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				r = r.WithContext(context.WithValue(r.Context(), ctxKeySubject, subject))
				next.ServeHTTP(w, r)
				return
			}
			if cfg.AllowDebugToken {
				if token := r.Header.Get("X-Debug-Token"); token == "" || token != cfg.DebugToken {
					http.Error(w, "debug token required", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verifyBearer(r *http.Request, secret string) (string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return "", fmt.Errorf("not a bearer token")
	}
	raw := strings.TrimSpace(authz[7:])

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	subject, _ := claims.GetSubject()
	return subject, nil
}
