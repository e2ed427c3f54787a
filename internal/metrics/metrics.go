// Package metrics exposes session lifecycle counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements session.Metrics on top of Prometheus counters.
type Collector struct {
	logins   *prometheus.CounterVec
	logouts  *prometheus.CounterVec
	refresh  *prometheus.CounterVec
	restores *prometheus.CounterVec
}

// NewCollector creates the counters and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_session_logins_total",
			Help: "Login attempts by result.",
		}, []string{"success"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_session_logouts_total",
			Help: "Ended sessions by reason.",
		}, []string{"reason"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_session_refresh_total",
			Help: "Token refresh ticks by outcome.",
		}, []string{"outcome"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_session_restores_total",
			Help: "Startup restore attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.logins,
		c.logouts,
		c.refresh,
		c.restores,
	)

	return c
}

func (c *Collector) RecordLogin(success bool) {
	c.logins.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (c *Collector) RecordLogout(reason string) {
	c.logouts.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordRefresh(outcome string) {
	c.refresh.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordRestore(outcome string) {
	c.restores.WithLabelValues(outcome).Inc()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute serves gatherer on /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
