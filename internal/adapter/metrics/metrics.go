// Package metrics exposes the login proxy's counters and gauges over
// Prometheus' client_golang registry, served by an http.Server the way the
// teacher serves its own telemetry endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the daemon updates during a session's
// lifecycle. Field names mirror the process-wide counters a Dovecot admin
// would otherwise have to scrape from doveadm.
type Registry struct {
	registry *prometheus.Registry

	SessionsStarted  prometheus.Counter
	SessionsDetached prometheus.Counter
	SessionsFailed   *prometheus.CounterVec
	ReconnectsTotal  prometheus.Counter
	RedirectsTotal   prometheus.Counter

	DestWaitingConnections  *prometheus.GaugeVec
	DestProxyingConnections *prometheus.GaugeVec
	DelayedDisconnects      *prometheus.GaugeVec

	SessionDuration prometheus.Histogram
}

// New registers every metric against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "loginproxy_sessions_started_total",
			Help: "Backend TCP connects that succeeded, counted before TLS and authentication.",
		}),
		SessionsDetached: factory.NewCounter(prometheus.CounterOpts{
			Name: "loginproxy_sessions_detached_total",
			Help: "Sessions handed off to the bidirectional byte pump.",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loginproxy_sessions_failed_total",
			Help: "Sessions that ended in a terminal failure, labelled by failure type.",
		}, []string{"type"}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "loginproxy_reconnects_total",
			Help: "Reconnect attempts issued after a failed backend dial.",
		}),
		RedirectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "loginproxy_redirects_total",
			Help: "Referral redirects followed to a different destination.",
		}),

		DestWaitingConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loginproxy_dest_waiting_connections",
			Help: "Sessions currently dialing or authenticating against a destination.",
		}, []string{"destination"}),
		DestProxyingConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loginproxy_dest_proxying_connections",
			Help: "Sessions currently detached and relaying against a destination.",
		}, []string{"destination"}),
		DelayedDisconnects: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loginproxy_dest_delayed_disconnects",
			Help: "Sessions whose final free has been smeared into the future for this destination.",
		}, []string{"destination"}),

		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loginproxy_session_duration_seconds",
			Help:    "Wall-clock time from Connect to final free.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Serve starts an HTTP server exposing /metrics and blocks until ctx is
// cancelled, then shuts down gracefully.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
