// Package metrics exposes prometheus collectors for the worker pool and the
// build pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	workersLive    prometheus.Gauge
	workersWorking prometheus.Gauge
	buildsTotal    *prometheus.CounterVec
	buildDuration  *prometheus.HistogramVec
	taskAttempts   *prometheus.CounterVec
	pruneRuns      prometheus.Counter
	pruneDeferred  prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to serve them from promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		workersLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "xcs_workers_live",
			Help: "Worker goroutines currently alive",
		}),
		workersWorking: f.NewGauge(prometheus.GaugeOpts{
			Name: "xcs_workers_working",
			Help: "Workers currently executing a task",
		}),
		buildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xcs_builds_total",
			Help: "Builds that reached a terminal status",
		}, []string{"format", "status"}),
		buildDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xcs_build_duration_seconds",
			Help:    "Wall time from BUILDING to a terminal status",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"format"}),
		taskAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xcs_task_attempts_total",
			Help: "Task executions including retries",
		}, []string{"operation"}),
		pruneRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "xcs_prune_runs_total",
			Help: "Image cache prunes performed",
		}),
		pruneDeferred: f.NewCounter(prometheus.CounterOpts{
			Name: "xcs_prune_deferred_total",
			Help: "Prune attempts postponed because a worker was busy",
		}),
	}
}

func (m *Metrics) SetWorkers(live, working int) {
	if m == nil {
		return
	}
	m.workersLive.Set(float64(live))
	m.workersWorking.Set(float64(working))
}

func (m *Metrics) BuildFinished(format, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.buildsTotal.WithLabelValues(format, status).Inc()
	if elapsed > 0 {
		m.buildDuration.WithLabelValues(format).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) TaskAttempt(operation string) {
	if m == nil {
		return
	}
	m.taskAttempts.WithLabelValues(operation).Inc()
}

func (m *Metrics) PruneRan() {
	if m == nil {
		return
	}
	m.pruneRuns.Inc()
}

func (m *Metrics) PruneDeferred() {
	if m == nil {
		return
	}
	m.pruneDeferred.Inc()
}
