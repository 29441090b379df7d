package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveMonitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctor_active_monitors",
		Help: "Number of assessments currently being monitored",
	})

	ActiveHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctor_active_handles",
		Help: "Number of candidate peer connection handles not yet closed",
	})

	HandlesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_handles_created_total",
		Help: "Total number of candidate peer connection handles created",
	})

	HandlesClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_handles_closed_total",
		Help: "Total number of handles closed",
	}, []string{"reason"}) // "stopped" | "bye" | "signaling" | "media" | "timeout" | "internal"

	HandleStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_handle_state_transitions_total",
		Help: "Peer connection handle state transitions",
	}, []string{"state"})

	NegotiationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proctor_negotiation_seconds",
		Help:    "Time from handle start to first connected state",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	})

	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_reconnect_attempts_total",
		Help: "Total ICE restart reconnection attempts",
	})

	RefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_refreshes_total",
		Help: "Manual candidate refreshes",
	}, []string{"mode"}) // "renegotiate" | "reconnect" | "recreate" | "noop"

	ICECandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_ice_candidates_total",
		Help: "ICE candidates handled",
	}, []string{"direction"}) // "local" | "queued" | "applied"

	ICEQueueFlushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proctor_ice_queue_flush_size",
		Help:    "Number of queued remote ICE candidates flushed after a remote description",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})

	SignalingRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_signaling_requests_total",
		Help: "Backend signaling requests by operation and outcome",
	}, []string{"op", "outcome"}) // outcome: "ok" | "retry" | "failed"

	SignalingRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proctor_signaling_request_seconds",
		Help:    "Backend signaling request latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"op"})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_signaling_messages_total",
		Help: "Signaling messages by type and direction",
	}, []string{"type", "direction"}) // direction: "in" | "out"

	DiscoveryPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_discovery_passes_total",
		Help: "Discovery polls by outcome",
	}, []string{"outcome"}) // "ok" | "error"

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proctor_reconcile_seconds",
		Help:    "Time to apply one reconciliation pass",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	LiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proctor_live_sessions",
		Help: "Live candidate sessions reported by the last discovery pass",
	}, []string{"assessment"})

	TracksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_tracks_received_total",
		Help: "Remote tracks received",
	}, []string{"kind"})

	RTPPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_rtp_packets_total",
		Help: "Remote RTP packets received",
	}, []string{"kind"})

	RTPBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_rtp_bytes_total",
		Help: "Remote RTP bytes received",
	}, []string{"kind"})

	PLIRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_pli_requests_total",
		Help: "Keyframe requests sent on refresh",
	})

	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctor_active_websocket_connections",
		Help: "Number of dashboard websocket connections",
	})

	WebSocketMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_websocket_messages_total",
		Help: "Dashboard websocket messages",
	}, []string{"direction"})

	ConfigReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_config_reloads_total",
		Help: "Number of configuration reloads",
	})

	StartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctor_start_time_seconds",
		Help: "Process start time in Unix seconds",
	})
)
