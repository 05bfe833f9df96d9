package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	errors "github.com/mkopo-labs/mkopo/internal"
)

// APIKey guards the collaborator API with a static key checked against a
// bcrypt hash from config. Authentication proper lives in the surrounding
// loan system; this is only the seam between the two.
func APIKey(apiKeyHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKeyHash == "" {
				// No key configured (development); leave the API open.
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" || bcrypt.CompareHashAndPassword([]byte(apiKeyHash), []byte(key)) != nil {
				logger.Warn("request with missing or invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)

				status, body := errors.ErrInvalidAPIKey.ToHTTPResponse()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(body)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
