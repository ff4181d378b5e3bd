package observability

import (
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is the relay snapshot served on /stats and logged by the heartbeat.
type Stats struct {
	SessionsOpened   uint64 `json:"sessions_opened"`
	SessionsClosed   uint64 `json:"sessions_closed"`
	ActiveSessions   int64  `json:"active_sessions"`
	Broadcasts       uint64 `json:"broadcasts"`
	Deliveries       uint64 `json:"deliveries"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	ProtocolErrors   uint64 `json:"protocol_errors"`
	RejectedRooms    uint64 `json:"rejected_rooms"`

	Rooms   int `json:"rooms"`
	Members int `json:"members"`

	AllocMemMb uint64 `json:"alloc_mem_mb"`
	NumGC      uint32 `json:"num_gc"`
}

// Monitor keeps relay counters.
// Every counter exists twice: an atomic for the JSON snapshot,
// and a Prometheus collector on a private registry for /metrics.
type Monitor struct {
	sessionsOpened   atomic.Uint64
	sessionsClosed   atomic.Uint64
	activeSessions   atomic.Int64
	broadcasts       atomic.Uint64
	deliveries       atomic.Uint64
	deliveryFailures atomic.Uint64
	protocolErrors   atomic.Uint64
	rejectedRooms    atomic.Uint64

	registry      *prometheus.Registry
	sessions      *prometheus.CounterVec
	active        prometheus.Gauge
	broadcastsC   prometheus.Counter
	deliveriesC   *prometheus.CounterVec
	protocolC     prometheus.Counter
	rejectedRoomC prometheus.Counter
}

func NewMonitor() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sessions_total",
			Help:      "Sessions by lifecycle transition.",
		}, []string{"transition"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions_active",
			Help:      "Sessions currently open.",
		}),
		broadcastsC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "broadcasts_total",
			Help:      "Fan-outs performed on this node.",
		}),
		deliveriesC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_total",
			Help:      "Member deliveries by outcome.",
		}, []string{"outcome"}),
		protocolC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "protocol_errors_total",
			Help:      "Malformed inbound frames.",
		}),
		rejectedRoomC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rejected_rooms_total",
			Help:      "Connections refused because of an invalid room name.",
		}),
	}
	m.registry.MustRegister(
		m.sessions, m.active, m.broadcastsC, m.deliveriesC, m.protocolC, m.rejectedRoomC,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Monitor) SessionOpened() {
	m.sessionsOpened.Add(1)
	m.activeSessions.Add(1)
	m.sessions.WithLabelValues("opened").Inc()
	m.active.Inc()
}

func (m *Monitor) SessionClosed() {
	m.sessionsClosed.Add(1)
	m.activeSessions.Add(-1)
	m.sessions.WithLabelValues("closed").Inc()
	m.active.Dec()
}

func (m *Monitor) RecordBroadcast(delivered, failed int) {
	m.broadcasts.Add(1)
	m.deliveries.Add(uint64(delivered))
	m.deliveryFailures.Add(uint64(failed))
	m.broadcastsC.Inc()
	m.deliveriesC.WithLabelValues("delivered").Add(float64(delivered))
	m.deliveriesC.WithLabelValues("failed").Add(float64(failed))
}

func (m *Monitor) ProtocolError() {
	m.protocolErrors.Add(1)
	m.protocolC.Inc()
}

func (m *Monitor) RoomRejected() {
	m.rejectedRooms.Add(1)
	m.rejectedRoomC.Inc()
}

// Snapshot reads the counters and the Go memory stats.
// Rooms and Members are left to the caller, the monitor doesn't know the registry.
func (m *Monitor) Snapshot() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Stats{
		SessionsOpened:   m.sessionsOpened.Load(),
		SessionsClosed:   m.sessionsClosed.Load(),
		ActiveSessions:   m.activeSessions.Load(),
		Broadcasts:       m.broadcasts.Load(),
		Deliveries:       m.deliveries.Load(),
		DeliveryFailures: m.deliveryFailures.Load(),
		ProtocolErrors:   m.protocolErrors.Load(),
		RejectedRooms:    m.rejectedRooms.Load(),
		AllocMemMb:       mem.Alloc / 1024 / 1024,
		NumGC:            mem.NumGC,
	}
}

// Handler exposes the Prometheus metrics of this monitor.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for registering extra collectors.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
