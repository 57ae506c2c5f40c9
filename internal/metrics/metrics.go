package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_provider_calls_total",
			Help: "Total calls to external weather and precipitation providers",
		},
		[]string{"provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "floodwatch_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	RefreshRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_refresh_runs_total",
			Help: "Grid refresh runs by outcome",
		},
		[]string{"outcome"}, // success, failure, skipped
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodwatch_notifications_sent_total",
			Help: "Flood alerts delivered to the notification sink",
		},
		[]string{"level"},
	)

	NotificationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodwatch_notification_errors_total",
			Help: "Flood alerts the sink failed to deliver",
		},
	)

	SavedLocations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_saved_locations",
			Help: "Number of watched locations",
		},
	)

	GridPointsByLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "floodwatch_grid_points",
			Help: "Grid points in the current snapshot by risk level",
		},
		[]string{"level"},
	)

	SnapshotAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodwatch_snapshot_age_seconds",
			Help: "Age of the served precipitation snapshot at last refresh attempt",
		},
	)
)
