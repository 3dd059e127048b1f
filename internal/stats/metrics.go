package stats

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics are the local agent's traffic counters on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	UpstreamPlain       prometheus.Counter
	UpstreamEncrypted   prometheus.Counter
	DownstreamPlain     prometheus.Counter
	DownstreamEncrypted prometheus.Counter
	ActiveConnections   prometheus.Gauge
	TotalConnections    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		UpstreamPlain: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipher_relay_upstream_plain_bytes_total",
			Help: "Bytes read from clients before encryption.",
		}),
		UpstreamEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipher_relay_upstream_encrypted_bytes_total",
			Help: "Ciphertext bytes sent to the remote agent.",
		}),
		DownstreamPlain: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipher_relay_downstream_plain_bytes_total",
			Help: "Bytes written to clients after decryption.",
		}),
		DownstreamEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipher_relay_downstream_encrypted_bytes_total",
			Help: "Ciphertext bytes received from the remote agent.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cipher_relay_active_connections",
			Help: "Client connections with an open virtual channel.",
		}),
		TotalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipher_relay_connections_total",
			Help: "Client connections that opened a virtual channel.",
		}),
	}
	m.Registry.MustRegister(
		m.UpstreamPlain,
		m.UpstreamEncrypted,
		m.DownstreamPlain,
		m.DownstreamEncrypted,
		m.ActiveConnections,
		m.TotalConnections,
	)
	return m
}

// WriteText writes every metric in the prometheus text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
