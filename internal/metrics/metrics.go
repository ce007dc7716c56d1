// ============================================================================
// dwasm Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects coordinator and worker metrics and exposes them for
// Prometheus scraping.
//
// Metric families:
//
//   1. Counters:
//      - dwasm_jobs_submitted_total: jobs accepted by /new_job
//      - dwasm_jobs_dispatched_total: jobs handed to a worker
//      - dwasm_jobs_completed_total: jobs that reached Succeeded
//      - dwasm_jobs_failed_total{reason}: jobs that reached Failed
//        reason is one of compile, no_worker, unreachable, sandbox, update
//      - dwasm_worker_runs_total{result}: sandbox runs on a worker
//
//   2. Histograms:
//      - dwasm_job_latency_seconds: submission to terminal state
//      - dwasm_worker_run_seconds: time spent inside the sandbox
//
//   3. Gauges:
//      - dwasm_jobs{state}: registry contents by state
//      - dwasm_workers_registered / dwasm_workers_available
//
// Example queries:
//
//   # Failure ratio over 5m
//   sum(rate(dwasm_jobs_failed_total[5m])) / rate(dwasm_jobs_submitted_total[5m])
//
//   # p95 end-to-end latency
//   histogram_quantile(0.95, rate(dwasm_job_latency_seconds_bucket[5m]))
//
// Registration:
//   Every collector registers against the Registerer it was given, so tests
//   can use a fresh prometheus.NewRegistry() each time.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dwasm"

// Failure reasons used as the reason label.
const (
	ReasonCompile     = "compile"
	ReasonNoWorker    = "no_worker"
	ReasonUnreachable = "unreachable"
	ReasonSandbox     = "sandbox"
	ReasonUpdate      = "update"
)

// Collector holds the dwasm metric families.
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     *prometheus.CounterVec
	jobLatency     prometheus.Histogram

	jobsByState       *prometheus.GaugeVec
	workersRegistered prometheus.Gauge
	workersAvailable  prometheus.Gauge

	workerRuns   *prometheus.CounterVec
	workerRunDur prometheus.Histogram
}

// NewCollector creates the collector and registers it with reg. A nil reg
// falls back to prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted by the coordinator",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs dispatched to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that succeeded",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that failed, by reason",
		}, []string{"reason"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from submission to a terminal state",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs held in the registry, by state",
		}, []string{"state"}),
		workersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_registered",
			Help:      "Number of registered workers",
		}),
		workersAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_available",
			Help:      "Number of workers neither busy nor offline",
		}),
		workerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_runs_total",
			Help:      "Sandbox runs executed on this worker, by result",
		}, []string{"result"}),
		workerRunDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_run_seconds",
			Help:      "Time spent executing a module in the sandbox",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobLatency,
		c.jobsByState,
		c.workersRegistered,
		c.workersAvailable,
		c.workerRuns,
		c.workerRunDur,
	)
	return c
}

// RecordSubmitted records an accepted job.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordDispatched records a job handed to a worker.
func (c *Collector) RecordDispatched() {
	c.jobsDispatched.Inc()
}

// RecordCompleted records a succeeded job and its end-to-end latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed records a failed job.
func (c *Collector) RecordFailed(reason string, latencySeconds float64) {
	c.jobsFailed.WithLabelValues(reason).Inc()
	c.jobLatency.Observe(latencySeconds)
}

// UpdateJobStats sets the per-state gauges.
func (c *Collector) UpdateJobStats(s types.JobStats) {
	c.jobsByState.WithLabelValues(string(types.StateQueued)).Set(float64(s.Queued))
	c.jobsByState.WithLabelValues(string(types.StateRunning)).Set(float64(s.Running))
	c.jobsByState.WithLabelValues(string(types.StateSucceeded)).Set(float64(s.Succeeded))
	c.jobsByState.WithLabelValues(string(types.StateFailed)).Set(float64(s.Failed))
}

// UpdateWorkers sets the worker gauges.
func (c *Collector) UpdateWorkers(registered, available int) {
	c.workersRegistered.Set(float64(registered))
	c.workersAvailable.Set(float64(available))
}

// RecordRun records one sandbox execution on a worker.
func (c *Collector) RecordRun(success bool, seconds float64) {
	result := "ok"
	if !success {
		result = "error"
	}
	c.workerRuns.WithLabelValues(result).Inc()
	c.workerRunDur.Observe(seconds)
}

// Handler serves g in the Prometheus text format. A nil g serves the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
