package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobtrack",
			Name:      "jobs_total",
			Help:      "Tracked jobs by terminal outcome.",
		},
		[]string{"outcome"},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobtrack",
			Name:      "ws_reconnects_total",
			Help:      "WebSocket reconnect attempts.",
		},
	)

	interactionsSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobtrack",
			Name:      "interactions_synced_total",
			Help:      "Interactions delivered to the server by path.",
		},
		[]string{"path"},
	)

	interactionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jobtrack",
			Name:      "interactions_failed_total",
			Help:      "Interaction delivery failures.",
		},
	)

	pendingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jobtrack",
			Name:      "sync_pending_queue_depth",
			Help:      "Interactions waiting for the next sync cycle.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(jobsTotal, reconnects, interactionsSynced, interactionsFailed, pendingQueueDepth)
	})
}

// IncJob counts a job reaching a terminal outcome.
func IncJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// IncReconnect counts a websocket reconnect attempt.
func IncReconnect() {
	reconnects.Inc()
}

// AddSynced counts interactions delivered via "immediate" or "batch".
func AddSynced(path string, n int) {
	interactionsSynced.WithLabelValues(path).Add(float64(n))
}

// IncSyncFailed counts a failed delivery attempt.
func IncSyncFailed() {
	interactionsFailed.Inc()
}

// SetPendingDepth records the current pending queue depth.
func SetPendingDepth(n int) {
	pendingQueueDepth.Set(float64(n))
}
