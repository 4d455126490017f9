// Package metrics はジョブ処理の prometheus メトリクスを定義します。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	speakerForge = "speaker_forge"

	jobsFinishedTotal    = "jobs_finished_total"
	jobsReapedTotal      = "jobs_reaped_total"
	stageDurationSeconds = "stage_duration_seconds"
	stageRetriesTotal    = "stage_retries_total"
	stageFallbacksTotal  = "stage_fallbacks_total"

	statusLabel = "status"
	stageLabel  = "stage"
)

var jobsFinishedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: speakerForge,
		Name:      jobsFinishedTotal,
		Help:      "number of jobs that reached a terminal status",
	},
	[]string{statusLabel},
)

var jobsReapedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: speakerForge,
		Name:      jobsReapedTotal,
		Help:      "number of abandoned jobs marked as failed by the reaper",
	},
)

var stageDurationSecondsMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: speakerForge,
		Name:      stageDurationSeconds,
		Help:      "wall clock duration of each pipeline stage",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
	[]string{stageLabel},
)

var stageRetriesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: speakerForge,
		Name:      stageRetriesTotal,
		Help:      "number of retried stage attempts after transient engine errors",
	},
	[]string{stageLabel},
)

var stageFallbacksTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: speakerForge,
		Name:      stageFallbacksTotal,
		Help:      "number of times a stage switched to its fallback engine",
	},
	[]string{stageLabel},
)

func IncreaseJobsFinishedMetric(status string) {
	jobsFinishedTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncreaseJobsReapedMetric() {
	jobsReapedTotalMetric.Inc()
}

func ObserveStageDuration(stage string, d time.Duration) {
	stageDurationSecondsMetric.With(prometheus.Labels{stageLabel: stage}).Observe(d.Seconds())
}

func IncreaseStageRetriesMetric(stage string) {
	stageRetriesTotalMetric.With(prometheus.Labels{stageLabel: stage}).Inc()
}

func IncreaseStageFallbacksMetric(stage string) {
	stageFallbacksTotalMetric.With(prometheus.Labels{stageLabel: stage}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsFinishedTotalMetric)
	prometheus.MustRegister(jobsReapedTotalMetric)
	prometheus.MustRegister(stageDurationSecondsMetric)
	prometheus.MustRegister(stageRetriesTotalMetric)
	prometheus.MustRegister(stageFallbacksTotalMetric)
}
