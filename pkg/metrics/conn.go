// Package metrics provides Prometheus metrics collection for roost.
//
// Collection is off by default: until Enable is called there is no
// registry, and every constructor hands back a no-op implementation with
// zero overhead. main.go calls Enable once when the metrics exporter is
// configured on.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// registry is the process registry all roost collectors register with. A
// nil pointer is the off switch the constructors check.
var registry atomic.Pointer[prometheus.Registry]

// Enable turns on metrics collection, creating the process registry.
// Idempotent: the first call creates the registry, later calls return the
// same one.
func Enable() *prometheus.Registry {
	fresh := prometheus.NewRegistry()
	if registry.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return registry.Load()
}

// Registry returns the process registry, or nil while metrics are
// disabled.
func Registry() *prometheus.Registry {
	return registry.Load()
}

// Enabled reports whether Enable has been called.
func Enabled() bool {
	return registry.Load() != nil
}

// ConnMetrics provides observability for the client front-end.
//
// Implementations collect metrics about connection lifecycle, session
// establishment, traffic volume and watch deliveries. The interface is
// optional - if not provided to the connection factory, a no-op
// implementation is used with zero overhead.
type ConnMetrics interface {
	// ConnectionAccepted increments the total accepted connections counter.
	ConnectionAccepted()

	// ConnectionRejected counts a connection refused by the per-IP cap.
	ConnectionRejected()

	// ConnectionClosed increments the total closed connections counter.
	ConnectionClosed()

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int)

	// SessionEstablished counts a completed handshake with a valid session.
	SessionEstablished()

	// SessionRejected counts a handshake answered with a zeroed response.
	SessionRejected()

	// PacketReceived counts one inbound frame.
	PacketReceived()

	// PacketSent counts one outbound frame.
	PacketSent()

	// WatchDelivered counts one notification pushed to a client.
	WatchDelivered()
}

// connMetrics is the Prometheus implementation of ConnMetrics.
type connMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionsClosed   prometheus.Counter
	activeConnections   prometheus.Gauge
	sessionsEstablished prometheus.Counter
	sessionsRejected    prometheus.Counter
	packetsReceived     prometheus.Counter
	packetsSent         prometheus.Counter
	watchesDelivered    prometheus.Counter
}

// NewConnMetrics creates a new Prometheus-backed ConnMetrics instance.
//
// Returns a no-op implementation while metrics are disabled (Enable not
// called).
func NewConnMetrics() ConnMetrics {
	reg := Registry()
	if reg == nil {
		return NewNoopConnMetrics()
	}

	return &connMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roost_connections_accepted_total",
			Help: "Total number of client connections accepted",
		}),
		connectionsRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roost_connections_rejected_total",
			Help: "Total number of client connections rejected by the per-IP cap",
		}),
		connectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roost_connections_closed_total",
			Help: "Total number of client connections closed",
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "roost_connections_active",
			Help: "Current number of live client connections",
		}),
		sessionsEstablished: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roost_sessions_established_total",
			Help: "Total number of sessions established by handshake",
		}),
		sessionsRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roost_sessions_rejected_total",
			Help: "Total number of handshakes answered with a zeroed response",
		}),
		packetsReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roost_packets_received_total",
			Help: "Total number of frames received from clients",
		}),
		packetsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roost_packets_sent_total",
			Help: "Total number of frames sent to clients",
		}),
		watchesDelivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roost_watches_delivered_total",
			Help: "Total number of watch notifications delivered",
		}),
	}
}

func (m *connMetrics) ConnectionAccepted()        { m.connectionsAccepted.Inc() }
func (m *connMetrics) ConnectionRejected()        { m.connectionsRejected.Inc() }
func (m *connMetrics) ConnectionClosed()          { m.connectionsClosed.Inc() }
func (m *connMetrics) SetActiveConnections(n int) { m.activeConnections.Set(float64(n)) }
func (m *connMetrics) SessionEstablished()        { m.sessionsEstablished.Inc() }
func (m *connMetrics) SessionRejected()           { m.sessionsRejected.Inc() }
func (m *connMetrics) PacketReceived()            { m.packetsReceived.Inc() }
func (m *connMetrics) PacketSent()                { m.packetsSent.Inc() }
func (m *connMetrics) WatchDelivered()            { m.watchesDelivered.Inc() }

// noopConnMetrics discards all observations.
type noopConnMetrics struct{}

// NewNoopConnMetrics returns a ConnMetrics implementation that does nothing.
func NewNoopConnMetrics() ConnMetrics {
	return noopConnMetrics{}
}

func (noopConnMetrics) ConnectionAccepted()      {}
func (noopConnMetrics) ConnectionRejected()      {}
func (noopConnMetrics) ConnectionClosed()        {}
func (noopConnMetrics) SetActiveConnections(int) {}
func (noopConnMetrics) SessionEstablished()      {}
func (noopConnMetrics) SessionRejected()         {}
func (noopConnMetrics) PacketReceived()          {}
func (noopConnMetrics) PacketSent()              {}
func (noopConnMetrics) WatchDelivered()          {}
