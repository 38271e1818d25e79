package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's operational counters. Constructed once at
// startup and shared by the bus client, dispatcher and edge.
type Metrics struct {
	// WebSocket edge
	wsConnectionsActive prometheus.Gauge
	wsConnectionsTotal  prometheus.Counter

	// Dispatcher
	dispatchesTotal  *prometheus.CounterVec
	chunksRelayed    prometheus.Counter
	activeTickets    prometheus.Gauge
	rawMemoryRecords prometheus.Counter

	// Bus
	busConnected  prometheus.Gauge
	busReconnects prometheus.Counter

	// Session cache
	cacheErrors prometheus.Counter
}

// New registers the gateway collectors with the given registerer.
// Pass prometheus.DefaultRegisterer in the server, a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		wsConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_connections_active",
			Help: "Number of currently open WebSocket connections",
		}),
		wsConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ws_connections_total",
			Help: "Total number of accepted WebSocket connections",
		}),
		dispatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatches_total",
			Help: "Total dispatches by outcome",
		}, []string{"outcome"}),
		chunksRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_chunks_relayed_total",
			Help: "Total chunks relayed from workers to clients",
		}),
		activeTickets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_tickets",
			Help: "Number of stream tickets currently in flight",
		}),
		rawMemoryRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_raw_memory_records_total",
			Help: "Total records published to the raw-memory stream",
		}),
		busConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_bus_connected",
			Help: "Whether the bus connection is currently established (1/0)",
		}),
		busReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_reconnects_total",
			Help: "Total bus reconnections",
		}),
		cacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_errors_total",
			Help: "Total session cache operation failures (non-fatal)",
		}),
	}
}

// ConnectionOpened records an accepted WebSocket connection.
func (m *Metrics) ConnectionOpened() {
	m.wsConnectionsTotal.Inc()
	m.wsConnectionsActive.Inc()
}

// ConnectionClosed records a closed WebSocket connection.
func (m *Metrics) ConnectionClosed() {
	m.wsConnectionsActive.Dec()
}

// RecordDispatch records a dispatch outcome ("completed", "conflict",
// "timeout", "cancelled", "unavailable", "worker_error").
func (m *Metrics) RecordDispatch(outcome string) {
	m.dispatchesTotal.WithLabelValues(outcome).Inc()
}

// ChunkRelayed records a chunk forwarded to a sink.
func (m *Metrics) ChunkRelayed() {
	m.chunksRelayed.Inc()
}

// TicketStarted records a newly registered stream ticket.
func (m *Metrics) TicketStarted() {
	m.activeTickets.Inc()
}

// TicketRetired records a retired stream ticket.
func (m *Metrics) TicketRetired() {
	m.activeTickets.Dec()
}

// RawMemoryPublished records a raw-memory record publish.
func (m *Metrics) RawMemoryPublished() {
	m.rawMemoryRecords.Inc()
}

// SetBusConnected tracks the bus connection state.
func (m *Metrics) SetBusConnected(connected bool) {
	if connected {
		m.busConnected.Set(1)
	} else {
		m.busConnected.Set(0)
	}
}

// BusReconnected records a bus reconnection.
func (m *Metrics) BusReconnected() {
	m.busReconnects.Inc()
}

// CacheError records a non-fatal session cache failure.
func (m *Metrics) CacheError() {
	m.cacheErrors.Inc()
}
