// Package metrics exposes the service's Prometheus counters. Every method is
// safe on a nil *Registry so core packages can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry           *prometheus.Registry
	potsTotal          *prometheus.CounterVec
	claimsTotal        *prometheus.CounterVec
	settlementsTotal   *prometheus.CounterVec
	transferJobsTotal  *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	queueDepth         prometheus.Gauge
}

func New() *Registry {
	pots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "potrails_pots_total",
		Help: "Escrow pot lifecycle events",
	}, []string{"event"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "potrails_claims_total",
		Help: "Claim attempts by result",
	}, []string{"result"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "potrails_settlements_total",
		Help: "Pot settlements by outcome",
	}, []string{"outcome"})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "potrails_transfer_jobs_total",
		Help: "Transfer jobs by terminal or enqueue status",
	}, []string{"status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "potrails_retry_attempts_total",
		Help: "Retry attempts for transfer job execution",
	}, []string{"result"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "potrails_queue_depth",
		Help: "Number of transfer jobs waiting to run",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(pots, claims, settlements, jobs, retries, depth)

	return &Registry{
		registry:           r,
		potsTotal:          pots,
		claimsTotal:        claims,
		settlementsTotal:   settlements,
		transferJobsTotal:  jobs,
		retryAttemptsTotal: retries,
		queueDepth:         depth,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Registry) IncPot(event string) {
	if m != nil {
		m.potsTotal.WithLabelValues(event).Inc()
	}
}

func (m *Registry) IncClaim(result string) {
	if m != nil {
		m.claimsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Registry) IncSettlement(outcome string) {
	if m != nil {
		m.settlementsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Registry) IncJob(status string) {
	if m != nil {
		m.transferJobsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Registry) IncRetry(result string) {
	if m != nil {
		m.retryAttemptsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Registry) SetQueueDepth(depth int) {
	if m != nil {
		m.queueDepth.Set(float64(depth))
	}
}
