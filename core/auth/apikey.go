package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// HeaderAPIKey carries the shared secret between master, agents and clients
const HeaderAPIKey = "X-API-Key"

// queryAPIKey lets browser websocket clients, which cannot set headers,
// authenticate the terminal endpoint.
const queryAPIKey = "api_key"

// ExtractAPIKey returns the key from the header, falling back to the
// api_key query parameter.
func ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	return r.URL.Query().Get(queryAPIKey)
}

// SetAPIKey attaches key to an outbound request header when non-empty.
func SetAPIKey(h http.Header, key string) {
	if key != "" {
		h.Set(HeaderAPIKey, key)
	}
}

// Valid compares in constant time. An empty expected key disables
// authentication.
func Valid(expected, provided string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// RequireAPIKey rejects requests whose key does not match expected. With an
// empty expected key it returns next unchanged.
func RequireAPIKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || Valid(expected, ExtractAPIKey(r)) {
				next.ServeHTTP(w, r)
				return
			}

			log.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rejected request with invalid API key")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing API key"})
		})
	}
}
