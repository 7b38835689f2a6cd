package monitoring

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors for the relay, scraped via /metrics.
var (
	// Envelope lifecycle
	EnvelopesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_published_total",
		Help: "Envelopes accepted on the publish endpoint",
	})

	EnvelopesReplicatedIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_replicated_in_total",
		Help: "Envelopes accepted from peer nodes",
	})

	EnvelopesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_delivered_total",
		Help: "Envelopes pushed over at least one live session",
	})

	EnvelopesPooled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_pooled_total",
		Help: "Envelopes left in the pool because no push succeeded",
	})

	EnvelopesPulled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_pulled_total",
		Help: "Envelopes drained by pull requests",
	})

	EnvelopesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_expired_total",
		Help: "Envelopes evicted past their TTL",
	})

	EnvelopesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_deleted_total",
		Help: "Envelopes removed by explicit delete",
	})

	PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pool_size",
		Help: "Envelopes currently pooled",
	})

	// Sessions
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_opened_total",
		Help: "WebSocket sessions opened",
	})

	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_closed_total",
		Help: "WebSocket sessions closed, by reason",
	}, []string{"reason"})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "WebSocket sessions currently open",
	})

	// Frames
	FramesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_received_total",
		Help: "Frames received from clients",
	})

	FramesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_sent_total",
		Help: "Frames written to clients",
	})

	FrameErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frame_errors_total",
		Help: "Error frames sent for malformed client frames",
	})

	// Admission
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Requests rejected by the per-source rate limiter",
	})

	// Cluster
	ReplicationSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_replication_success_total",
		Help: "Envelope copies accepted by peers",
	})

	ReplicationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_replication_failure_total",
		Help: "Envelope copies that failed to reach a peer",
	})

	NodesKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_nodes_known",
		Help: "Peer nodes currently registered",
	})

	// Process
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_process_cpu_percent",
		Help: "Process CPU usage sampled by the stats collector",
	})

	ProcessMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_process_memory_mb",
		Help: "Process resident memory in MB",
	})
)

func init() {
	prometheus.MustRegister(
		EnvelopesPublished,
		EnvelopesReplicatedIn,
		EnvelopesDelivered,
		EnvelopesPooled,
		EnvelopesPulled,
		EnvelopesExpired,
		EnvelopesDeleted,
		PoolSize,
		SessionsOpened,
		SessionsClosed,
		SessionsActive,
		FramesIn,
		FramesOut,
		FrameErrors,
		RateLimited,
		ReplicationSuccesses,
		ReplicationFailures,
		NodesKnown,
		ProcessCPUPercent,
		ProcessMemoryMB,
	)
}

// RecordSessionClosed bumps the close counter for one reason label.
func RecordSessionClosed(reason string) {
	SessionsClosed.WithLabelValues(reason).Inc()
}
