package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bountyescrow/internal/metrics"
)

var (
	webhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "webhook_events_total",
		Help:      "Inbound processor webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	pendingSyncedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "pending_synced_total",
		Help:      "Stale pending escrows polled at the processor, by resulting status.",
	}, []string{"result"})

	pendingRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "pending_run_duration_seconds",
		Help:      "Duration of pending reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		webhookEventsTotal,
		pendingSyncedTotal,
		pendingRunDuration,
	)
}
