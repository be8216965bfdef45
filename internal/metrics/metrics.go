package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealstock_connectivity_transitions_total",
			Help: "Network online/offline transitions observed",
		},
		[]string{"online"},
	)

	QualityProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mealstock_quality_probe_duration_seconds",
			Help:    "Elapsed time of fallback connection quality probes",
			Buckets: []float64{0.05, 0.1, 0.3, 0.75, 1, 2, 3},
		},
	)

	QualityEstimates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealstock_quality_estimates_total",
			Help: "Connection quality estimates by resulting bucket",
		},
		[]string{"quality"},
	)

	RealtimeState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mealstock_realtime_state",
			Help: "1 for the current realtime manager state, 0 otherwise",
		},
		[]string{"state"},
	)

	RealtimeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mealstock_realtime_subscriptions_active",
			Help: "Live topic subscriptions held by the realtime manager",
		},
	)

	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealstock_realtime_events_total",
			Help: "Row-change events dispatched to subscribers",
		},
		[]string{"topic", "kind"},
	)

	PresencePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealstock_presence_publishes_total",
			Help: "Presence updates published by this client",
		},
		[]string{"result"},
	)

	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealstock_notifications_received_total",
			Help: "Notifications added to the local inbox",
		},
		[]string{"type"},
	)

	NotificationWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mealstock_notification_write_failures_total",
			Help: "Failed writes to the notification store",
		},
		[]string{"operation"},
	)
)
