package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	claimConflicts  prometheus.Counter
	orphanedResults prometheus.Counter
	webhookFailures prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "styleforge_worker_jobs_total",
			Help: "Total job executions by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "styleforge_worker_job_duration_seconds",
			Help:    "End-to-end duration of each job execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "styleforge_worker_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "result"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "styleforge_worker_active_jobs",
			Help: "Current number of jobs being executed.",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "styleforge_worker_claim_conflicts_total",
			Help: "Deliveries abandoned because the job was already claimed or deleted.",
		}),
		orphanedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "styleforge_worker_orphaned_results_total",
			Help: "Result blobs stored whose finalize lost the compare-and-set.",
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "styleforge_worker_webhook_failures_total",
			Help: "Webhook notifications that could not be delivered.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.stageDuration,
		m.activeJobs,
		m.claimConflicts,
		m.orphanedResults,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
