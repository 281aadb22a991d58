// Package metrics provides Prometheus instrumentation for the reconciliation
// components. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgerwatch"

// Metrics holds the collectors
type Metrics struct {
	refreshes        *prometheus.CounterVec
	refreshFailures  *prometheus.CounterVec
	refreshesRunning *prometheus.GaugeVec
	trackedAccounts  prometheus.Gauge
	transactions     prometheus.Gauge
	remoteLatency    *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Refresh operations started, by component.",
		}, []string{"component"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_failures_total",
			Help:      "Refresh operations that returned an error, by component.",
		}, []string{"component"}),
		refreshesRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refreshes_in_flight",
			Help:      "Refresh operations currently in flight, by component.",
		}, []string{"component"}),
		trackedAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_accounts",
			Help:      "Number of tracked accounts.",
		}),
		transactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions",
			Help:      "Number of transactions held in the ledger.",
		}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Latency of remote ledger calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.refreshes,
		m.refreshFailures,
		m.refreshesRunning,
		m.trackedAccounts,
		m.transactions,
		m.remoteLatency,
	)
	return m
}

// RefreshStarted records the start of a refresh
func (m *Metrics) RefreshStarted(component string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(component).Inc()
	m.refreshesRunning.WithLabelValues(component).Inc()
}

// RefreshFinished records the end of a refresh
func (m *Metrics) RefreshFinished(component string, err error) {
	if m == nil {
		return
	}
	m.refreshesRunning.WithLabelValues(component).Dec()
	if err != nil {
		m.refreshFailures.WithLabelValues(component).Inc()
	}
}

// SetTrackedAccounts records the registry size
func (m *Metrics) SetTrackedAccounts(n int) {
	if m == nil {
		return
	}
	m.trackedAccounts.Set(float64(n))
}

// SetTransactions records the ledger size
func (m *Metrics) SetTransactions(n int) {
	if m == nil {
		return
	}
	m.transactions.Set(float64(n))
}

// ObserveRemote records the latency of a remote call
func (m *Metrics) ObserveRemote(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.remoteLatency.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

// Handler serves the registered collectors
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
