package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/ngome/internal/signature"
)

// Metrics holds Prometheus metrics for the maintenance scheduler.
type Metrics struct {
	DirsRemoved    prometheus.Counter
	SweepErrors    prometheus.Counter
	RescansFailed  prometheus.Counter
	RescanInserted prometheus.Counter
	JobDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		DirsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "temp_dirs_removed_total",
			Help:      "Total stale execution directories removed by the sweep.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "sweep_errors_total",
			Help:      "Total sweeps that could not remove every stale directory.",
		}),
		RescansFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "rescans_failed_total",
			Help:      "Total component rescans that failed.",
		}),
		RescanInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "rescan_signatures_inserted_total",
			Help:      "Total signatures inserted by periodic rescans.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of each maintenance job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.DirsRemoved,
		m.SweepErrors,
		m.RescansFailed,
		m.RescanInserted,
		m.JobDuration,
	)

	return m
}

func (m *Metrics) observe(job string, start time.Time) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

func (m *Metrics) swept(removed int, err error) {
	if m == nil {
		return
	}
	m.DirsRemoved.Add(float64(removed))
	if err != nil {
		m.SweepErrors.Inc()
	}
}

func (m *Metrics) rescanned(report *signature.ScanReport, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RescansFailed.Inc()
		return
	}
	m.RescanInserted.Add(float64(report.Inserted))
}
