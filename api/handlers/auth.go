package handlers

import (
	"crypto/hmac"
	"net"
	"net/http"
	"strings"
)

// cronSecretHeader authenticates system-to-system job triggers. It is a shared
// secret, not a user credential; the scheduler that fires the market-cap sweep
// carries it instead of a wallet proof.
const cronSecretHeader = "x-cron-secret"

// requireAdmin wraps privileged endpoints: release, override, distribute,
// job triggers. Accepts either the admin bearer token or the cron secret.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.isAdminRequest(r) {
			writeUnauthorized(w, "admin credential required")
			return
		}
		next(w, r)
	}
}

func (s *Server) isAdminRequest(r *http.Request) bool {
	if token := extractBearerToken(r); token != "" && s.cfg.AdminToken != "" {
		if hmac.Equal([]byte(token), []byte(s.cfg.AdminToken)) {
			return true
		}
	}
	if secret := r.Header.Get(cronSecretHeader); secret != "" && s.cfg.CronSecret != "" {
		if hmac.Equal([]byte(secret), []byte(s.cfg.CronSecret)) {
			return true
		}
	}
	return false
}

// extractBearerToken extracts the token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// GetIPFromRequest returns the client IP, preferring the first proxy-reported
// hop over the socket address.
func GetIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
