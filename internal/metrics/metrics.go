package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the fabric's Prometheus collectors. All recorder
// methods are nil-safe so components can run without metrics in tests.
type Metrics struct {
	messagesRouted   prometheus.Counter
	messagesDropped  *prometheus.CounterVec
	duplicates       prometheus.Counter
	dedupSeen        prometheus.Counter
	liveConnections  prometheus.Gauge
	heartbeatSkips   prometheus.Counter
	cloudRoutesUp    prometheus.Gauge
	masterQueueDepth prometheus.Gauge
	sessionsActive   prometheus.Gauge
	sessionsExpired  prometheus.Counter
}

// New registers the fabric collectors on reg (the default registerer
// when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfabric_messages_routed_total",
			Help: "Messages successfully enqueued to at least one peer connection.",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayfabric_messages_dropped_total",
			Help: "Messages dropped, partitioned by reason.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfabric_dedup_duplicates_total",
			Help: "Messages rejected by the deduplication cache.",
		}),
		dedupSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfabric_dedup_seen_total",
			Help: "Fingerprints inserted into the deduplication cache.",
		}),
		liveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayfabric_connections",
			Help: "Current number of registered peer connections.",
		}),
		heartbeatSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfabric_heartbeat_skips_total",
			Help: "Heartbeat or health ticks skipped because the previous cycle still held the lock.",
		}),
		cloudRoutesUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayfabric_cloud_routes_connected",
			Help: "Cloud routes currently connected and past their handshake.",
		}),
		masterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayfabric_master_queue_depth",
			Help: "Messages buffered while no master node is known.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayfabric_sessions_active",
			Help: "Sessions currently tracked by the session store.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayfabric_sessions_expired_total",
			Help: "Sessions expired by TTL, logout, or teardown.",
		}),
	}

	reg.MustRegister(
		m.messagesRouted,
		m.messagesDropped,
		m.duplicates,
		m.dedupSeen,
		m.liveConnections,
		m.heartbeatSkips,
		m.cloudRoutesUp,
		m.masterQueueDepth,
		m.sessionsActive,
		m.sessionsExpired,
	)
	return m
}

func (m *Metrics) RecordRouted() {
	if m == nil {
		return
	}
	m.messagesRouted.Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) RecordDedupSeen() {
	if m == nil {
		return
	}
	m.dedupSeen.Inc()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.liveConnections.Set(float64(n))
}

func (m *Metrics) RecordHeartbeatSkip() {
	if m == nil {
		return
	}
	m.heartbeatSkips.Inc()
}

func (m *Metrics) SetCloudRoutesUp(n int) {
	if m == nil {
		return
	}
	m.cloudRoutesUp.Set(float64(n))
}

func (m *Metrics) SetMasterQueueDepth(n int) {
	if m == nil {
		return
	}
	m.masterQueueDepth.Set(float64(n))
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) RecordSessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
}
