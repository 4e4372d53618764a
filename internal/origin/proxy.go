package origin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openclaw/cfshare/internal/access"
	"github.com/openclaw/cfshare/internal/metrics"
	"github.com/openclaw/cfshare/internal/session"
)

// ProxyConfig configures a reverse-proxy origin wrapping a local upstream.
type ProxyConfig struct {
	UpstreamPort int
	Session      *session.Session
	Guard        *Guard
	Clock        clockwork.Clock
	// Passthrough disables request accounting and guarding; used when the
	// proxy fronts an origin that already does both.
	Passthrough bool
}

// StartProxy starts a reverse proxy on a fresh loopback port, forwarding to
// http://127.0.0.1:<UpstreamPort>. Requests pass the guard before being
// forwarded; response body bytes are counted into session stats.
func StartProxy(cfg ProxyConfig) (*Server, error) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", cfg.UpstreamPort)}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			cfg.Session.AppendLog(cfg.Clock.Now(), "origin", fmt.Sprintf("proxy error (req %s): %v", reqID, err))
			// If headers already went out the stream just ends; the
			// ResponseWriter ignores a second WriteHeader.
			access.WriteError(w, http.StatusBadGateway, map[string]interface{}{"error": "proxy_error"})
		},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Passthrough {
			rp.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), uuid.NewString())))
			return
		}

		now := cfg.Clock.Now()
		cfg.Session.RecordRequest(now)
		metrics.OriginRequests.Inc()

		if !cfg.Guard.Check(w, r, cfg.Session, now) {
			return
		}

		cw := &countingWriter{ResponseWriter: w}
		rp.ServeHTTP(cw, r.WithContext(withRequestID(r.Context(), uuid.NewString())))
		cfg.Session.AddBytes(cw.written)
		metrics.BytesSent.Add(float64(cw.written))
	})

	return serve(handler)
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// countingWriter tracks body bytes for stats accounting.
type countingWriter struct {
	http.ResponseWriter
	wroteHeader bool
	status      int
	written     int64
}

func (c *countingWriter) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	n, err := c.ResponseWriter.Write(p)
	c.written += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
