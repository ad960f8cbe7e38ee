package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveryTotal は送信結果をチャネル・状態別に数える
	DeliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoroute_delivery_total",
		Help: "Channel send attempts by channel and outcome status",
	}, []string{"channel", "status"})

	// DeliveryLatency は送信1件のアダプタ呼び出し時間
	DeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "convoroute_delivery_latency_seconds",
		Help:    "Channel adapter send latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"channel"})

	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoroute_dedup_hits_total",
		Help: "Envelopes skipped because their idempotency key was already emitted",
	})

	GuardViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoroute_guard_violations_total",
		Help: "Hand-off guard violations by type",
	}, []string{"type"})

	OutboxDesync = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoroute_outbox_desync_total",
		Help: "Outbox restored from the post-planning snapshot at delivery hand-off",
	})

	// EmergencyFallback は result=injected|exhausted
	EmergencyFallback = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoroute_emergency_fallback_total",
		Help: "Emergency fallback valve activations",
	}, []string{"result"})

	RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoroute_routing_decisions_total",
		Help: "Routing decisions by threshold action",
	}, []string{"action"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoroute_sweep_runs_total",
		Help: "Redelivery sweeper runs by result",
	}, []string{"result"})
)
