package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry (fan-out) Metrics
var (
	// RegistryConnections tracks the number of connections currently registered for fan-out
	RegistryConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_connections",
			Help: "Number of connections registered for fan-out",
		},
	)

	// RegistryCommandChannelDepth tracks current command channel depth
	RegistryCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_command_channel_depth",
			Help: "Current registry command channel depth",
		},
	)

	// FanOutFramesTotal tracks upstream frames fanned out to clients
	FanOutFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_frames_total",
			Help: "Total upstream frames fanned out",
		},
	)

	// FanOutDeliveriesTotal tracks per-recipient delivery outcomes
	FanOutDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Per-recipient fan-out deliveries by result (ok/queue_full/closed/error)",
		},
		[]string{"result"},
	)

	// FanOutDuration tracks time spent enqueuing one frame for all recipients
	FanOutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_duration_seconds",
			Help:    "Time to enqueue one upstream frame for all registered connections",
			Buckets: []float64{.00001, .0001, .0005, .001, .005, .01, .05},
		},
	)
)

// Client Connection Metrics
var (
	// ConnectionsCurrent tracks currently open inbound WebSocket connections
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current number of inbound WebSocket connections",
		},
	)

	// ConnectionsTotal tracks closed connections by close reason
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_closed_total",
			Help: "Total closed inbound WebSocket connections by reason",
		},
		[]string{"reason"},
	)

	// ConnectionDuration tracks connection lifetime
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "Inbound WebSocket connection lifetime in seconds",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 7200},
		},
	)

	// ConnectionsRejected tracks upgrade requests rejected by admission limits
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Upgrade requests rejected by reason",
		},
		[]string{"reason"},
	)

	// ConnectionCapacity tracks global limiter utilization in percent
	ConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connection_capacity_percent",
			Help: "Global connection limit utilization in percent",
		},
	)

	// HeartbeatPingsSent tracks pings sent to clients
	HeartbeatPingsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_pings_sent_total",
			Help: "Heartbeat pings sent to clients",
		},
	)

	// HeartbeatTimeouts tracks connections closed for missing heartbeats
	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_timeouts_total",
			Help: "Connections closed because no ping or pong arrived within the timeout",
		},
	)

	// ProtocolErrors tracks connections closed for malformed frames
	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_protocol_errors_total",
			Help: "Connections closed because of malformed or unrecognized frames",
		},
	)

	// SlowClientsEvicted tracks clients closed because their outbound queue filled up
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_slow_clients_evicted_total",
			Help: "Clients disconnected because their outbound queue was full",
		},
	)

	// ClientFramesForwarded tracks client data frames handed to the upstream write queue
	ClientFramesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_frames_forwarded_total",
			Help: "Client data frames forwarded upstream by result (ok/dropped)",
		},
		[]string{"result"},
	)

	// MessageSendDuration tracks time to write one frame to a client socket
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "Time to write one frame to a client",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
)

// Upstream Link Metrics
var (
	// UpstreamStatus tracks the link state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)
	UpstreamStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_status",
			Help: "Upstream link state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
	)

	// UpstreamConnectAttempts tracks dial attempts by result
	UpstreamConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_connect_attempts_total",
			Help: "Upstream dial attempts by result (success/failure)",
		},
		[]string{"result"},
	)

	// UpstreamSessionsEnded tracks upstream sessions that ended and triggered reconnection
	UpstreamSessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_sessions_ended_total",
			Help: "Upstream sessions ended by reason (stream_ended/stale/write_error)",
		},
		[]string{"reason"},
	)

	// UpstreamFramesReceived tracks data frames read from the upstream feed
	UpstreamFramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_frames_received_total",
			Help: "Data frames received from the upstream feed",
		},
	)

	// UpstreamFramesSent tracks frames written to the upstream socket by kind
	UpstreamFramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_frames_sent_total",
			Help: "Frames written to the upstream socket by kind (data/ping/pong/subscribe)",
		},
		[]string{"kind"},
	)

	// UpstreamQueueDepth tracks the upstream write queue depth
	UpstreamQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_queue_depth",
			Help: "Current upstream write queue depth",
		},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wsrelay_build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
