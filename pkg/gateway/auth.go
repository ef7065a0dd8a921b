package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// auth wraps a handler with bearer token authentication and in-flight
// request accounting.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown() {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}

		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		next(w, r)
	}
}

// authorized checks the Authorization header, or the token query
// parameter for WebSocket clients that cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	candidate := ""

	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		candidate = strings.TrimPrefix(header, "Bearer ")
	} else if token := r.URL.Query().Get("token"); token != "" {
		candidate = token
	}

	if candidate == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.token)) == 1
}
