// Package metrics holds the Prometheus collectors of the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RealtimeState is 1 for the current state of the event channel
	RealtimeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inboxsync_realtime_state",
		Help: "Current state of the realtime event channel (1 for the active state)",
	}, []string{"state"})

	RealtimeReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_realtime_reconnects_scheduled_total",
		Help: "Total number of reconnect attempts scheduled",
	}, []string{"reason"}) // "closed", "credential", "open_timeout", "dial"

	RealtimeFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_realtime_frames_total",
		Help: "Total number of inbound frames dispatched",
	}, []string{"type"})

	RealtimeFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_realtime_frames_dropped_total",
		Help: "Total number of inbound frames dropped",
	}, []string{"reason"}) // "malformed", "unknown_type", "no_listener"

	ListenerPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_listener_panics_total",
		Help: "Total number of recovered listener panics",
	}, []string{"type"})

	ConversationsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inboxsync_conversations",
		Help: "Number of conversations in the local store",
	})

	ConversationLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_conversation_loads_total",
		Help: "Total number of bulk conversation loads",
	}, []string{"status"}) // "success", "error", "stale"

	BufferedEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inboxsync_buffered_events_dropped_total",
		Help: "Total number of live events dropped because the pre-load buffer was full",
	})

	OptimisticRollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_optimistic_rollbacks_total",
		Help: "Total number of optimistic conversation patches reverted",
	}, []string{"operation"})

	ReminderFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_reminder_fetches_total",
		Help: "Total number of reminder list fetches",
	}, []string{"status"})

	ReminderMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_reminder_mutations_total",
		Help: "Total number of reminder mutations",
	}, []string{"operation", "status"})

	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inboxsync_backend_request_duration_seconds",
		Help:    "Backend REST request duration in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation", "status"})

	ConsoleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inboxsync_console_requests_total",
		Help: "Total console API requests",
	}, []string{"method", "route", "status"})

	ConsoleRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inboxsync_console_request_duration_seconds",
		Help:    "Console API request duration in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "route"})
)

// SetRealtimeState flags state as the current one among all known states
func SetRealtimeState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		RealtimeState.WithLabelValues(s).Set(v)
	}
}
