package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bridge metrics exported on /metrics.
var (
	// Session metrics
	SessionPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatbridge_session_phase",
			Help: "1 for the current supervisor phase, 0 otherwise",
		},
		[]string{"phase"},
	)

	ReconnectDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_reconnect_decisions_total",
			Help: "Reconnection policy decisions by action",
		},
		[]string{"action"}, // fresh, retry, give_up_fresh, manual
	)

	ChallengesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbridge_challenges_issued_total",
			Help: "Pairing challenges received from the transport",
		},
	)

	ChallengeExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbridge_challenge_expirations_total",
			Help: "Pairing challenges that expired before being answered",
		},
	)

	// Messaging metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_messages_sent_total",
			Help: "Outbound messages by outcome",
		},
		[]string{"outcome"}, // sent, not_connected, destination_not_found, invalid_attachment, failed
	)

	AttachmentBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatbridge_attachment_bytes",
			Help:    "Size of fetched image attachments",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 7), // 16KiB to 64MiB
		},
	)

	// Observer metrics
	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbridge_observers",
			Help: "Currently subscribed session observers",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatbridge_events_dropped_total",
			Help: "Session events dropped for slow observers",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_http_requests_total",
			Help: "HTTP requests by route and status class",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Dispatch metrics
	SweepItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_sweep_items_total",
			Help: "Birthday schedules processed by the daily sweep",
		},
		[]string{"status"}, // sent, failed
	)
)

// SetPhase marks phase as current and clears the others.
func SetPhase(current string, all ...string) {
	for _, p := range all {
		v := 0.0
		if p == current {
			v = 1
		}
		SessionPhase.WithLabelValues(p).Set(v)
	}
}

// Task engine metrics
var (
	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_task_runs_total",
			Help: "Finished task executions by task name and result",
		},
		[]string{"task", "result"}, // ok, failed
	)

	TaskDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_task_dropped_total",
			Help: "Tasks dropped before execution by reason",
		},
		[]string{"reason"}, // queue_full, stale
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbridge_task_queue_depth",
			Help: "Tasks waiting in the engine queue",
		},
	)
)
