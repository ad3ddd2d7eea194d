package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_completed_total", Help: "Publish jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_retried_total", Help: "Publish jobs reset to pending for retry"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_failed_total", Help: "Publish jobs failed permanently"})
	QuotaRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_quota_rejects_total", Help: "Publish attempts deferred by the upload quota limiter"})
	ReauthSpawned      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reauth_sessions_spawned_total", Help: "Re-authentication processes spawned"})
	ReauthSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reauth_sessions_succeeded_total", Help: "Re-authentication processes that exited cleanly"})
	ReauthFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reauth_sessions_failed_total", Help: "Re-authentication processes that exited with an error or signal"})
	PendingGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_jobs_pending", Help: "Pending jobs observed at the last poll tick"})
	OngoingReauthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reauth_sessions_ongoing", Help: "Re-authentication processes currently running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			QuotaRejects,
			ReauthSpawned,
			ReauthSucceeded,
			ReauthFailed,
			PendingGauge,
			OngoingReauthGauge,
		)
	})
	return promhttp.Handler()
}
