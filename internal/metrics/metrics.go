// Package metrics registers the process-wide prometheus counters. The
// registry is internal to the process; nothing serves it over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExposuresStarted counts sessions that reached running, by type.
	ExposuresStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfshare_exposures_started_total",
		Help: "Exposure sessions that reached the running state",
	}, []string{"type"})

	// ExposuresEnded counts terminal transitions, by reason.
	ExposuresEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfshare_exposures_ended_total",
		Help: "Exposure sessions that reached a terminal state",
	}, []string{"reason"})

	// OriginRequests counts requests handled by any origin server.
	OriginRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfshare_origin_requests_total",
		Help: "HTTP requests handled by origin servers",
	})

	// Downloads counts successful file and bundle responses.
	Downloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfshare_downloads_total",
		Help: "Successful file downloads served by static origins",
	})

	// BytesSent counts response body bytes across all origins.
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfshare_bytes_sent_total",
		Help: "Response body bytes sent by origin servers",
	})

	// TunnelSpawns counts quick-tunnel agent launch attempts.
	TunnelSpawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfshare_tunnel_spawn_attempts_total",
		Help: "Quick-tunnel agent spawn attempts",
	})

	// TunnelFailures counts spawn attempts that did not produce a URL.
	TunnelFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cfshare_tunnel_spawn_failures_total",
		Help: "Quick-tunnel agent spawn attempts that failed",
	})
)
