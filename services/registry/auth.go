package registry

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
)

// RequireToken rejects callers that do not present token as a bearer
// credential. Loopback callers are exempt unless loopbackNeedsToken is set,
// which is required when a reverse proxy on the same host forwards remote
// traffic. An empty token disables the check.
func RequireToken(token string, loopbackNeedsToken bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if (!loopbackNeedsToken && isLoopbackRequest(r)) || validBearer(r.Header.Get("Authorization"), token) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="fleetsync"`)
			RespondError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"))
		})
	}
}

func validBearer(header, token string) bool {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(value)), []byte(token)) == 1
}

func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
