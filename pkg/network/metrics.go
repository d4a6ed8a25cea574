package network

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/busybox42/meshnode/pkg/protocol"
)

// Metrics holds the transport's Prometheus collectors. All methods are
// safe on a nil receiver.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	FramingErrors     *prometheus.CounterVec
	Dispatches        *prometheus.CounterVec
	BroadcastWrites   *prometheus.CounterVec
}

// NewMetrics creates the transport collectors labelled with nodeID and
// registers them with reg. A nil reg gets a private registry so several
// transports can share a process.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"node": nodeID}

	return &Metrics{
		ConnectionsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "meshnode",
			Subsystem:   "transport",
			Name:        "connections_active",
			Help:        "Number of connections in the live set",
			ConstLabels: labels,
		})),
		ConnectionsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshnode",
			Subsystem:   "transport",
			Name:        "connections_total",
			Help:        "Connections added to the live set",
			ConstLabels: labels,
		}, []string{"direction"})),
		FramesReceived: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshnode",
			Subsystem:   "transport",
			Name:        "frames_received_total",
			Help:        "Frames decoded successfully",
			ConstLabels: labels,
		}, []string{"type"})),
		FramesDropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "meshnode",
			Subsystem:   "transport",
			Name:        "frames_dropped_total",
			Help:        "Frames dropped by the per-connection rate limit",
			ConstLabels: labels,
		})),
		FramingErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshnode",
			Subsystem:   "transport",
			Name:        "framing_errors_total",
			Help:        "Connections terminated by a framing error",
			ConstLabels: labels,
		}, []string{"kind"})),
		Dispatches: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshnode",
			Subsystem:   "router",
			Name:        "dispatches_total",
			Help:        "Dispatch outcomes by message type",
			ConstLabels: labels,
		}, []string{"type", "result"})),
		BroadcastWrites: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "meshnode",
			Subsystem:   "broadcast",
			Name:        "writes_total",
			Help:        "Per-connection broadcast writes",
			ConstLabels: labels,
		}, []string{"result"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) connAdded(outbound bool) {
	if m == nil {
		return
	}
	direction := "inbound"
	if outbound {
		direction = "outbound"
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) connRemoved() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) frameReceived(messageType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(messageType).Inc()
}

func (m *Metrics) frameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) framingError(err error) {
	if m == nil {
		return
	}
	m.FramingErrors.WithLabelValues(framingKind(err)).Inc()
}

func (m *Metrics) dispatched(messageType, result string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(messageType, result).Inc()
}

func (m *Metrics) broadcastWrite(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.BroadcastWrites.WithLabelValues(result).Inc()
}

func framingKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrShortHeader):
		return "short_header"
	case errors.Is(err, protocol.ErrShortPayload):
		return "short_payload"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "too_large"
	case errors.Is(err, protocol.ErrMalformedPayload):
		return "malformed"
	default:
		return "stream"
	}
}
