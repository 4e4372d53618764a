// Package origin implements the in-process HTTP servers that serve an
// exposure: the reverse proxy for port mode and the static file server for
// files mode.
package origin

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/openclaw/cfshare/internal/access"
	"github.com/openclaw/cfshare/internal/session"
)

// Guard bundles the per-session request checks applied before any content
// is served: rate limit, path allow-list, authorization — in that order.
type Guard struct {
	Access    *access.State
	Allowlist access.Allowlist
	Limiter   *access.RateLimiter
}

// Check enforces the guard. On a denial it writes the error response, logs
// to the session, and returns false.
func (g *Guard) Check(w http.ResponseWriter, r *http.Request, sess *session.Session, now time.Time) bool {
	if g == nil {
		return true
	}
	if !g.Limiter.Allow(access.ClientIP(r)) {
		sess.AppendLog(now, "origin", fmt.Sprintf("rate limited %s %s from %s", r.Method, r.URL.Path, access.ClientIP(r)))
		access.WriteError(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate_limited"})
		return false
	}
	if !g.Allowlist.Allows(r.URL.Path) {
		sess.AppendLog(now, "origin", fmt.Sprintf("path not allowed: %s", r.URL.Path))
		access.WriteError(w, http.StatusForbidden, map[string]interface{}{"error": "path_not_allowed", "path": r.URL.Path})
		return false
	}
	if !g.Access.Authorize(r) {
		sess.AppendLog(now, "origin", fmt.Sprintf("unauthorized %s %s", r.Method, r.URL.Path))
		g.Access.WriteUnauthorized(w)
		return false
	}
	return true
}

// Server is a started origin bound to a loopback port.
type Server struct {
	Port int
	srv  *http.Server
}

// serve binds handler to a fresh loopback port and starts serving in the
// background.
func serve(handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("port allocation failed: %w", err)
	}
	s := &Server{
		Port: ln.Addr().(*net.TCPAddr).Port,
		srv:  &http.Server{Handler: handler},
	}
	go s.srv.Serve(ln)
	return s, nil
}

// Close shuts the server down immediately, dropping in-flight requests.
func (s *Server) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Close()
}
