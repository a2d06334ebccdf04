package modbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsNamespace is the namespace of all port metrics.
const metricsNamespace = "modbus_tcpport"

// Metrics collects statistics of one or more TCP ports.
type Metrics struct {
	// Requests counts frames written to the transport.
	Requests prometheus.Counter

	// Frames counts reassembled response frames, exceptions included.
	Frames prometheus.Counter

	// Exceptions counts reassembled exception responses.
	Exceptions prometheus.Counter

	// Faults counts ports which entered the faulted state.
	Faults prometheus.Counter

	// Buffered is the number of received bytes waiting for the rest of their
	// frame, summed over all ports using these metrics.
	Buffered prometheus.Gauge
}

// NewMetrics creates port metrics and registers them with reg. If reg is nil,
// the metrics are not registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Number of requests written to the transport.",
		}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Number of reassembled response frames.",
		}),
		Exceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "exceptions_total",
			Help:      "Number of reassembled exception responses.",
		}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "faults_total",
			Help:      "Number of ports faulted by a framing error.",
		}),
		Buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffered_bytes",
			Help:      "Received bytes waiting for the rest of their frame.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Requests, m.Frames, m.Exceptions, m.Faults, m.Buffered,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
