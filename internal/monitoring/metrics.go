package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the relay. Scraped from /metrics.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Total connection attempts rejected before upgrade, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Room metrics
	roomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms_active",
		Help: "Current number of rooms held in memory",
	})

	roomsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rooms_created_total",
		Help: "Total number of rooms created by create_room requests",
	})

	roomsRehydratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rooms_rehydrated_total",
		Help: "Total number of rooms rebuilt from a persisted snapshot on join",
	})

	roomOccupancy = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_room_occupancy",
		Help:    "Distribution of room client counts observed at join time",
		Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
	})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Total number of frames sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	// Command pipeline metrics
	commandsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_commands_applied_total",
		Help: "Total number of commands applied to room replicas",
	})

	commandBatchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_command_batches_flushed_total",
		Help: "Total number of command buffer flushes broadcast to rooms",
	})

	commandFlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_command_flush_size",
		Help:    "Distribution of commands per buffer flush",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	// Snapshot metrics
	snapshotsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_snapshots_saved_total",
		Help: "Total number of room snapshots persisted",
	})

	snapshotBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_snapshot_bytes",
		Help:    "Distribution of persisted snapshot blob sizes in bytes",
		Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
	})

	// Heartbeat metrics
	heartbeatsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeats_received_total",
		Help: "Total number of heartbeat frames received",
	})

	heartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_timeouts_total",
		Help: "Total number of clients disconnected by the heartbeat watchdog",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total errors routed through the error handler, by code",
	}, []string{"code"})

	rateLimitedConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limited_connections_total",
		Help: "Total connection attempts rejected by rate limiting, by scope",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(roomsActive)
	prometheus.MustRegister(roomsCreatedTotal)
	prometheus.MustRegister(roomsRehydratedTotal)
	prometheus.MustRegister(roomOccupancy)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(commandsApplied)
	prometheus.MustRegister(commandBatchesFlushed)
	prometheus.MustRegister(commandFlushSize)

	prometheus.MustRegister(snapshotsSaved)
	prometheus.MustRegister(snapshotBytes)

	prometheus.MustRegister(heartbeatsReceived)
	prometheus.MustRegister(heartbeatTimeouts)

	prometheus.MustRegister(errorsTotal)
	prometheus.MustRegister(rateLimitedConnections)
}

// Disconnect reasons, standardized so dashboards stay stable.
const (
	DisconnectReasonReadError        = "read_error"
	DisconnectReasonHeartbeatTimeout = "heartbeat_timeout"
	DisconnectReasonSendBufferFull   = "send_buffer_full"
	DisconnectReasonServerShutdown   = "server_shutdown"
	DisconnectReasonClientInitiated  = "client_initiated"
	DisconnectReasonRoomDisposed     = "room_disposed"
)

// Who initiated the disconnect.
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Rejection reasons for connections refused before the WebSocket upgrade.
const (
	RejectReasonRateLimited = "rate_limited"
	RejectReasonCapacity    = "capacity"
	RejectReasonShutdown    = "shutdown"
)

// ConnectionOpened records an accepted connection.
func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records a closed connection with its categorized reason.
func ConnectionClosed(reason, initiatedBy string, duration time.Duration) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// ConnectionRejected records a connection refused before upgrade.
func ConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// IncrementConnectionRateLimit records a rate-limited connection attempt.
// Scope is "global" or "per_ip".
func IncrementConnectionRateLimit(scope string) {
	rateLimitedConnections.WithLabelValues(scope).Inc()
}

// RoomOpened records a room entering the in-memory registry.
// Rehydrated is true when the room was rebuilt from a persisted snapshot.
func RoomOpened(rehydrated bool) {
	roomsActive.Inc()
	if rehydrated {
		roomsRehydratedTotal.Inc()
	} else {
		roomsCreatedTotal.Inc()
	}
}

// RoomClosed records a room leaving the registry.
func RoomClosed() {
	roomsActive.Dec()
}

// ObserveRoomOccupancy samples a room's client count at join time.
func ObserveRoomOccupancy(clients int) {
	roomOccupancy.Observe(float64(clients))
}

// UpdateMessageMetrics updates frame counters.
func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

// UpdateBytesMetrics updates byte counters.
func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

// RecordCommandsApplied counts commands applied to a replica.
func RecordCommandsApplied(n int) {
	if n > 0 {
		commandsApplied.Add(float64(n))
	}
}

// RecordFlush counts a buffer flush and samples its size.
func RecordFlush(size int) {
	commandBatchesFlushed.Inc()
	commandFlushSize.Observe(float64(size))
}

// RecordSnapshotSaved counts a persisted snapshot and samples its blob size.
func RecordSnapshotSaved(blobSize int) {
	snapshotsSaved.Inc()
	snapshotBytes.Observe(float64(blobSize))
}

// RecordHeartbeat counts a received heartbeat frame.
func RecordHeartbeat() {
	heartbeatsReceived.Inc()
}

// RecordHeartbeatTimeout counts a watchdog disconnect.
func RecordHeartbeatTimeout() {
	heartbeatTimeouts.Inc()
}

// RecordError counts an error routed through the error handler.
func RecordError(code string) {
	errorsTotal.WithLabelValues(code).Inc()
}

// HandleMetrics serves Prometheus metrics at /metrics.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
