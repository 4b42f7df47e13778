package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "vod_jobs_admitted_total", Help: "Jobs admitted (new rows created)"})
	JobsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{Name: "vod_jobs_deduplicated_total", Help: "Submissions answered with an existing job"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "vod_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})

	StageCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vod_stages_completed_total", Help: "Stage invocations that committed"}, []string{"stage"})
	StageRetried   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vod_stages_retried_total", Help: "Stage invocations that scheduled a retry"}, []string{"stage"})
	StageFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vod_stages_failed_total", Help: "Stage invocations that failed terminally"}, []string{"stage"})
	StageSkipped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vod_stages_skipped_total", Help: "Stage invocations skipped by the status guard"}, []string{"stage"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "vod_stage_queue_depth", Help: "Ready stage tasks"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "vod_stages_inflight", Help: "Stage tasks currently leased"})
	LeasesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "vod_leases_reclaimed_total", Help: "Stage tasks reclaimed from expired leases"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			JobsDeduplicated,
			RateLimitRejects,
			StageCompleted,
			StageRetried,
			StageFailed,
			StageSkipped,
			QueueDepthGauge,
			InFlightGauge,
			LeasesReclaimed,
		)
	})
	return promhttp.Handler()
}
