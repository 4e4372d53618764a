package access

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openclaw/cfshare/internal/policy"
)

// RateLimiter enforces the policy's per-client-IP fixed window at the
// origin. A disabled limiter allows everything.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	cfg     policy.RateLimitPolicy
	clock   clockwork.Clock
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter builds a limiter from policy. clock may be a fake in tests.
func NewRateLimiter(cfg policy.RateLimitPolicy, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		cfg:     cfg,
		clock:   clock,
	}
}

// Allow records a request from ip and reports whether it is within limits.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl == nil || !rl.cfg.Enabled {
		return true
	}

	now := rl.clock.Now()
	window := time.Duration(rl.cfg.WindowMS) * time.Millisecond

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[ip]
	if !ok || now.Sub(w.windowStart) >= window {
		rl.windows[ip] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= rl.cfg.MaxRequests {
		return false
	}
	w.count++
	return true
}

// ClientIP derives the client address for rate limiting.
// Priority: X-Forwarded-For -> X-Real-IP -> RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
