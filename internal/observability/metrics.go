package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline collectors. Labels are limited to closed sets (mode, status,
// outcome, upstream) so cardinality stays bounded regardless of how many
// resources are configured.
var (
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_pipeline_runs_total",
			Help: "Pipeline invocations by mode and terminal status.",
		},
		[]string{"mode", "status"},
	)

	pipelineRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "review_pipeline_run_duration_seconds",
			Help:    "Wall-clock duration of pipeline invocations.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	pipelineJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_pipeline_jobs_total",
			Help: "Analysis jobs finished, by outcome (done, error, requeued).",
		},
		[]string{"outcome"},
	)

	pipelineSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "review_pipeline_reviews_synced_total",
			Help: "Reviews merged from the review API.",
		},
	)

	pipelineRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_pipeline_retries_total",
			Help: "Retried upstream calls by upstream (review_api, llm, store).",
		},
		[]string{"upstream"},
	)
)

func init() {
	prometheus.MustRegister(pipelineRuns, pipelineRunDuration, pipelineJobs, pipelineSynced, pipelineRetries)
}

// ObserveRun records one finished invocation.
func ObserveRun(mode, status string, d time.Duration) {
	pipelineRuns.WithLabelValues(mode, status).Inc()
	pipelineRunDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// CountJobs adds n jobs with the given outcome.
func CountJobs(outcome string, n int) {
	if n > 0 {
		pipelineJobs.WithLabelValues(outcome).Add(float64(n))
	}
}

// CountSynced adds n merged reviews.
func CountSynced(n int) {
	if n > 0 {
		pipelineSynced.Add(float64(n))
	}
}

// RetryHook returns a retry.Policy OnRetry callback counting retries of upstream.
func RetryHook(upstream string) func(attempt int, delay time.Duration, err error) {
	c := pipelineRetries.WithLabelValues(upstream)
	return func(int, time.Duration, error) { c.Inc() }
}
