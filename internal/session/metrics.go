package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by all managers.  A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	restores    *prometheus.HistogramVec
	managers    prometheus.Gauge
}

// NewMetrics registers the session collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by source and target state",
		}, []string{"from", "to"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "session",
			Name:      "failures_total",
			Help:      "Failed session operations by operation and stage",
		}, []string{"op", "stage"}),
		restores: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "session",
			Name:      "restore_duration_seconds",
			Help:      "Duration of handshake plus identity resolution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		managers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "session",
			Name:      "profiles",
			Help:      "Client profiles with a live session manager",
		}),
	}
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) failure(op, stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op, stage).Inc()
}

func (m *Metrics) observeRestore(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.restores.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) setProfiles(n int) {
	if m == nil {
		return
	}
	m.managers.Set(float64(n))
}
