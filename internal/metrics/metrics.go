package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Candidate outcomes.
const (
	OutcomeAdmitted      = "admitted"
	OutcomeRejectedDedup = "rejected_dedup"
	OutcomeRejectedMC    = "rejected_mc"
)

// Metrics holds Prometheus metrics for the orchestrator and workers.
// A nil *Metrics is valid and records nothing.
//
// Metrics:
//   - poet_active_niches - Current number of active niches
//   - poet_archive_size - Number of environments ever admitted
//   - poet_admissions_total - Niches admitted
//   - poet_evictions_total - Niches evicted by the capacity bound
//   - poet_candidates_total{outcome} - Child candidates by gate outcome
//   - poet_transfers_total{tag} - Accepted transfers by tag
//   - poet_iteration_duration_seconds - Wall time of one iteration
//   - poet_worker_tasks_total{kind,outcome} - Worker tasks executed
//   - poet_worker_task_duration_seconds{kind} - Worker task execution time
type Metrics struct {
	ActiveNiches      prometheus.Gauge
	ArchiveSize       prometheus.Gauge
	AdmissionsTotal   prometheus.Counter
	EvictionsTotal    prometheus.Counter
	CandidatesTotal   *prometheus.CounterVec
	TransfersTotal    *prometheus.CounterVec
	IterationDuration prometheus.Histogram

	WorkerTasksTotal   *prometheus.CounterVec
	WorkerTaskDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveNiches: f.NewGauge(prometheus.GaugeOpts{
			Name: "poet_active_niches",
			Help: "Current number of active niches",
		}),
		ArchiveSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "poet_archive_size",
			Help: "Number of environments ever admitted",
		}),
		AdmissionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "poet_admissions_total",
			Help: "Total number of niches admitted",
		}),
		EvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "poet_evictions_total",
			Help: "Total number of niches evicted",
		}),
		CandidatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poet_candidates_total",
				Help: "Total number of child candidates by gate outcome",
			},
			[]string{"outcome"},
		),
		TransfersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poet_transfers_total",
				Help: "Total number of accepted transfers by tag",
			},
			[]string{"tag"}, // "theta" or "proposal"
		),
		IterationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "poet_iteration_duration_seconds",
			Help:    "Duration of one orchestrator iteration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		WorkerTasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poet_worker_tasks_total",
				Help: "Total number of worker tasks executed",
			},
			[]string{"kind", "outcome"},
		),
		WorkerTaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poet_worker_task_duration_seconds",
				Help:    "Duration of worker task execution in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) SetPopulation(active, archive int) {
	if m == nil {
		return
	}
	m.ActiveNiches.Set(float64(active))
	m.ArchiveSize.Set(float64(archive))
}

func (m *Metrics) Admitted() {
	if m == nil {
		return
	}
	m.AdmissionsTotal.Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.EvictionsTotal.Add(float64(n))
}

func (m *Metrics) Candidate(outcome string) {
	if m == nil {
		return
	}
	m.CandidatesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transfer(tag string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(tag).Inc()
}

func (m *Metrics) Iteration(d time.Duration) {
	if m == nil {
		return
	}
	m.IterationDuration.Observe(d.Seconds())
}

// WorkerTask records one executed task; outcome is "ok" or "error".
func (m *Metrics) WorkerTask(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.WorkerTasksTotal.WithLabelValues(kind, outcome).Inc()
	m.WorkerTaskDuration.WithLabelValues(kind).Observe(d.Seconds())
}
