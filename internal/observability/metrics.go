package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "booking_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "booking_transitions_total", Help: "State transitions by entity and target status"},
		[]string{"entity", "status"},
	)
	OutboxEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "booking_outbox_enqueued_total", Help: "Outbox events written"},
		[]string{"topic"},
	)
	OutboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "booking_outbox_deliveries_total", Help: "Outbox delivery attempts"},
		[]string{"result"},
	)
	OutboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "booking_outbox_backlog", Help: "Undelivered outbox events seen by the last drain pass"},
	)
	SweepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "booking_sweep_outcomes_total", Help: "Sweeper outcomes"},
		[]string{"action", "result"},
	)
	NotifyDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "booking_notify_dispatch_total", Help: "send_notification outcomes"},
		[]string{"backend", "result"},
	)
	NotifyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "booking_notify_latency_seconds", Help: "send_notification latency"},
	)
	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "booking_realtime_connections", Help: "Open realtime channels"},
	)
	DroppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "booking_realtime_dropped_frames_total", Help: "Ephemeral frames dropped"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Transitions, OutboxEnqueued, OutboxDeliveries, OutboxBacklog,
		SweepOutcomes, NotifyDispatch, NotifyLatency, LiveConnections, DroppedFrames)
}
