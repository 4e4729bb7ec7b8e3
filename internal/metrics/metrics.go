// Package metrics exposes controller counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/etlorch/pkg/model"
)

// Metrics is shared by every pipeline loop. All methods are safe for
// concurrent use.
type Metrics struct {
	registry      *prometheus.Registry
	jobsCreated   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	activeJobs    *prometheus.GaugeVec
	pipelineRuns  *prometheus.CounterVec
}

// New registers the controller metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_jobs_created_total",
			Help: "Jobs submitted to the cluster.",
		}, []string{"job_type", "table"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_jobs_completed_total",
			Help: "Jobs observed succeeded and cleaned up.",
		}, []string{"job_type", "table"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_jobs_failed_total",
			Help: "Jobs that exhausted their retry budget.",
		}, []string{"job_type", "table"}),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etl_active_jobs",
			Help: "Currently active jobs.",
		}, []string{"job_type", "table"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_pipeline_runs_total",
			Help: "Pipeline runs finished, by result.",
		}, []string{"table", "result"}),
	}
	m.registry.MustRegister(
		m.jobsCreated, m.jobsCompleted, m.jobsFailed, m.activeJobs, m.pipelineRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) JobCreated(stage model.Stage, table string) {
	m.jobsCreated.WithLabelValues(string(stage), table).Inc()
}

func (m *Metrics) JobCompleted(stage model.Stage, table string) {
	m.jobsCompleted.WithLabelValues(string(stage), table).Inc()
}

func (m *Metrics) JobFailed(stage model.Stage, table string) {
	m.jobsFailed.WithLabelValues(string(stage), table).Inc()
}

func (m *Metrics) SetActive(stage model.Stage, table string, n int) {
	m.activeJobs.WithLabelValues(string(stage), table).Set(float64(n))
}

// RunFinished counts a run ending with result "completed" or "failed".
func (m *Metrics) RunFinished(table, result string) {
	m.pipelineRuns.WithLabelValues(table, result).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
