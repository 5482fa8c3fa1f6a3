// Package jobmetrics exposes Prometheus collectors for background analysis.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and algorithm runs.
type Metrics struct {
	runs            *prometheus.CounterVec
	failures        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	algorithmRuns   *prometheus.CounterVec
	findings        *prometheus.CounterVec
	userFailures    *prometheus.CounterVec
	recommendations *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveAlgorithmRun counts a finished algorithm run with its outcome.
func (m *Metrics) ObserveAlgorithmRun(algorithm, trigger, status string, findings, userFailures int) {
	if m == nil {
		return
	}
	m.algorithmRuns.WithLabelValues(algorithm, trigger, status).Inc()
	if findings > 0 {
		m.findings.WithLabelValues(algorithm).Add(float64(findings))
	}
	if userFailures > 0 {
		m.userFailures.WithLabelValues(algorithm).Add(float64(userFailures))
	}
}

// AddRecommendations counts persisted and discarded recommendations.
func (m *Metrics) AddRecommendations(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recommendations.WithLabelValues(outcome).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "advisor_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	algorithmRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_algorithm_runs_total",
		Help: "Algorithm runs grouped by algorithm, trigger and final status.",
	}, []string{"algorithm", "trigger", "status"})
	findings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_findings_total",
		Help: "Findings emitted by completed algorithm runs.",
	}, []string{"algorithm"})
	userFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_algorithm_user_failures_total",
		Help: "Per-user evaluation failures isolated by the runner.",
	}, []string{"algorithm"})
	recs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_recommendations_total",
		Help: "Recommendations by outcome (created, superseded, replaced, discarded).",
	}, []string{"outcome"})
	registerer.MustRegister(runs, failures, duration, algorithmRuns, findings, userFailures, recs)
	return &Metrics{
		runs:            runs,
		failures:        failures,
		duration:        duration,
		algorithmRuns:   algorithmRuns,
		findings:        findings,
		userFailures:    userFailures,
		recommendations: recs,
	}
}
