package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide session metrics, exposed by the diagnostics listener.
var (
	metricConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingo_session_connect_attempts_total",
		Help: "Connection attempts by kind (initial or reconnect).",
	}, []string{"kind"})

	metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingo_session_frames_total",
		Help: "Inbound frames by type; malformed frames count under type=malformed.",
	}, []string{"type"})

	metricSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingo_session_sends_total",
		Help: "Outbound chat message sends by result.",
	}, []string{"result"})

	metricReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingo_session_optimistic_reconciled_total",
		Help: "Optimistic entries replaced by their confirmed counterpart.",
	})

	metricHistoryLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingo_session_history_loads_total",
		Help: "History page loads by result (ok, error, stale).",
	}, []string{"result"})

	metricDroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingo_session_dropped_events_total",
		Help: "Events dropped because the dispatch queue was full.",
	})
)
