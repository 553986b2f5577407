// Package authmw provides HTTP middleware for bearer token authentication of
// the operator endpoints.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const prefix = "Bearer "

// BearerToken returns middleware that requires an Authorization header carrying
// the given token. Comparison is constant-time. An empty token disables the
// wrapped routes entirely: every request is refused with 403.
func BearerToken(token string, logger log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				writeError(w, http.StatusForbidden, "operator endpoints are disabled")
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, prefix) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="spinwatch"`)
				writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}

			if subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), expected) != 1 {
				logger.Warn(r.Context(), "rejected operator request", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Bearer realm="spinwatch", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
