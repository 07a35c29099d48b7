package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/comparisonguide/clicktrack/internal/auth"
)

// DefaultMinAuthDuration is the minimum time spent on every authentication
// attempt, so failures and successes take the same time.
const DefaultMinAuthDuration = 200 * time.Millisecond

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger *slog.Logger
	// Hash is the parsed API_TOKEN_HASH. Nil disables authentication.
	Hash *auth.Hash
	// MinDuration pads each attempt; zero means DefaultMinAuthDuration.
	MinDuration time.Duration
}

// Auth returns a middleware that requires the API bearer token. The token
// is read from "Authorization: Bearer <token>" and checked against the
// configured Argon2id hash.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	minDuration := cfg.MinDuration
	if minDuration <= 0 {
		minDuration = DefaultMinAuthDuration
	}

	return func(next http.Handler) http.Handler {
		if cfg.Hash == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ok, reason := verifyBearer(cfg.Hash, r)

			if elapsed := time.Since(startTime); elapsed < minDuration {
				time.Sleep(minDuration - elapsed)
			}

			if !ok {
				cfg.Logger.Warn("authentication failed",
					slog.String("reason", reason),
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeAuthError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func verifyBearer(hash *auth.Hash, r *http.Request) (bool, string) {
	token := extractBearerToken(r)
	switch {
	case token == "":
		return false, "missing_token"
	case !auth.ValidTokenFormat(token):
		return false, "invalid_format"
	case !hash.Matches(token):
		return false, "invalid_token"
	}
	return true, ""
}

// extractBearerToken extracts the token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// writeAuthError writes a 401 Unauthorized response. Every failure gets
// the same body.
func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="clicktrack"`)
	writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API token")
}
