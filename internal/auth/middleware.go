package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
)

// Config controls Middleware.
type Config struct {
	// Key is the expected bearer key. An empty key rejects every request
	// unless NoAuth is set.
	Key    string
	NoAuth bool
	// SkipPaths are served without authentication (e.g. "/healthz").
	SkipPaths []string
	// Guard, when set, blocks clients after repeated failures.
	Guard *FailureGuard
}

// Middleware returns an HTTP middleware that requires
// "Authorization: Bearer <key>" on every request not in SkipPaths.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.NoAuth || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientIP(r)
			if cfg.Guard != nil {
				if blocked, remaining := cfg.Guard.Blocked(client); blocked {
					w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(remaining.Seconds()))))
					writeAuthError(w, http.StatusTooManyRequests, "too_many_attempts", "too many failed authentication attempts, try again later")
					return
				}
			}

			if cfg.Key == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "API key not configured")
				return
			}

			const prefix = "Bearer "
			header := r.Header.Get("Authorization")
			var message string
			switch {
			case header == "":
				message = "missing Authorization header"
			case !strings.HasPrefix(header, prefix):
				message = "invalid Authorization format, expected 'Bearer <key>'"
			case !ValidateKey(strings.TrimPrefix(header, prefix), cfg.Key):
				message = "invalid API key"
			}
			if message != "" {
				if cfg.Guard != nil {
					cfg.Guard.Failure(client)
				}
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", message)
				return
			}

			if cfg.Guard != nil {
				cfg.Guard.Success(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
