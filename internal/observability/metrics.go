package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	httpRequestsTotal    *prometheus.CounterVec
	httpLatencySeconds   *prometheus.HistogramVec
	httpErrorsTotal      *prometheus.CounterVec
	instancesGradedTotal *prometheus.CounterVec
	variantsGradedTotal  *prometheus.CounterVec
	regradesTotal        *prometheus.CounterVec
	jobSequencesTotal    *prometheus.CounterVec
	jobLogSubscribers    prometheus.Gauge
	sweepInstancesTotal  *prometheus.CounterVec
	outcomeReportsTotal  *prometheus.CounterVec
	cronRunsTotal        *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors of the grading service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		instancesGradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_instances_graded_total",
			Help: "Assessment instances graded, by whether the instance was closed first.",
		}, []string{"closed"})

		variantsGradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_variants_total",
			Help: "Variant grading attempts by result.",
		}, []string{"result"})

		regradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_regrades_total",
			Help: "Instance regrades by outcome.",
		}, []string{"outcome"})

		jobSequencesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_job_sequences_total",
			Help: "Finished job sequences by type and final status.",
		}, []string{"type", "status"})

		jobLogSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_job_log_subscribers",
			Help: "Live job log stream subscribers.",
		})

		sweepInstancesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_sweep_instances_total",
			Help: "Instances handled by the recovery sweep by result.",
		}, []string{"result"})

		outcomeReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_outcome_reports_total",
			Help: "Outcome reports by result.",
		}, []string{"result"})

		cronRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_cron_runs_total",
			Help: "Periodic task executions by task and result.",
		}, []string{"task", "result"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			instancesGradedTotal,
			variantsGradedTotal,
			regradesTotal,
			jobSequencesTotal,
			jobLogSubscribers,
			sweepInstancesTotal,
			outcomeReportsTotal,
			cronRunsTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// InstancesGraded counts completed instance grading sweeps.
func InstancesGraded() *prometheus.CounterVec {
	RegisterMetrics()
	return instancesGradedTotal
}

// VariantsGraded counts variant grading attempts.
func VariantsGraded() *prometheus.CounterVec {
	RegisterMetrics()
	return variantsGradedTotal
}

// Regrades counts instance regrades.
func Regrades() *prometheus.CounterVec {
	RegisterMetrics()
	return regradesTotal
}

// JobSequences counts finished job sequences.
func JobSequences() *prometheus.CounterVec {
	RegisterMetrics()
	return jobSequencesTotal
}

// JobLogSubscribers tracks open job log streams.
func JobLogSubscribers() prometheus.Gauge {
	RegisterMetrics()
	return jobLogSubscribers
}

// SweepInstances counts instances processed by the recovery sweep.
func SweepInstances() *prometheus.CounterVec {
	RegisterMetrics()
	return sweepInstancesTotal
}

// OutcomeReports counts outcome report attempts.
func OutcomeReports() *prometheus.CounterVec {
	RegisterMetrics()
	return outcomeReportsTotal
}

// CronRuns counts periodic task executions.
func CronRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return cronRunsTotal
}
