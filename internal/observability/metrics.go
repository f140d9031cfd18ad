package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eldercare",
		Name:      "sensor_samples_processed_total",
		Help:      "Total number of sensor samples fed to classifiers",
	}, []string{"sensor"})

	CandidateEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eldercare",
		Name:      "candidate_events_total",
		Help:      "Candidate events emitted by classifiers",
	}, []string{"kind"})

	CountdownOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eldercare",
		Name:      "fall_countdown_outcomes_total",
		Help:      "Fall confirmation countdowns by outcome",
	}, []string{"outcome"})

	AlertsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eldercare",
		Name:      "alerts_appended_total",
		Help:      "Alerts written to the alert store",
	}, []string{"kind"})

	AlertWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eldercare",
		Name:      "alert_write_failures_total",
		Help:      "Alert writes dropped because the store was unavailable",
	}, []string{"kind"})

	LocationLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eldercare",
		Name:      "location_lookup_duration_seconds",
		Help:      "Duration of best-effort location lookups",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
	})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eldercare",
		Name:      "escalations_total",
		Help:      "Escalations raised by caretaker subscribers",
	}, []string{"kind"})

	EscalationsDebounced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "eldercare",
		Name:      "escalations_debounced_total",
		Help:      "Alerts ignored by the caretaker-side debounce",
	})

	Acknowledgements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eldercare",
		Name:      "acknowledgements_total",
		Help:      "Caretaker acknowledgements by result",
	}, []string{"result"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eldercare",
		Name:      "active_alert_subscriptions",
		Help:      "Number of live alert store subscriptions",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eldercare",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "eldercare",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
