// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all trendphase metrics.
type Registry struct {
	reg *prometheus.Registry

	PositionsEvaluated prometheus.Counter
	PositionsSkipped   prometheus.Counter
	PositionsFailed    prometheus.Counter
	Transitions        *prometheus.CounterVec
	EmergencyFlips     *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	BatchDuration      prometheus.Histogram
	ActivePositions    prometheus.Gauge
}

// NewRegistry creates and registers all collectors on a private registry.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.PositionsEvaluated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendphase_positions_evaluated_total",
		Help: "Positions evaluated across all batch ticks",
	})
	r.PositionsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendphase_positions_skipped_total",
		Help: "Positions skipped for insufficient input data",
	})
	r.PositionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trendphase_positions_failed_total",
		Help: "Positions that failed evaluation or write-back",
	})
	r.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trendphase_transitions_total",
		Help: "State transitions by from/to state",
	}, []string{"from", "to"})
	r.EmergencyFlips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trendphase_emergency_flips_total",
		Help: "Emergency-exit flag flips by direction",
	}, []string{"direction"})
	r.CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trendphase_cycle_duration_seconds",
		Help:    "Per-position evaluation duration",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})
	r.BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trendphase_batch_duration_seconds",
		Help:    "Whole-batch tick duration",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	r.ActivePositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trendphase_active_positions",
		Help: "Positions in the most recent batch",
	})

	r.reg.MustRegister(
		r.PositionsEvaluated, r.PositionsSkipped, r.PositionsFailed,
		r.Transitions, r.EmergencyFlips,
		r.CycleDuration, r.BatchDuration, r.ActivePositions,
	)
	return r
}

// Gatherer exposes the private registry for the /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
