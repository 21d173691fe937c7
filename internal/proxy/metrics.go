package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Stats is a snapshot of a server's counters.
type Stats struct {
	Accepted      int64
	Active        int64
	Failed        int64
	BytesSent     int64 // client to upstream
	BytesReceived int64 // upstream to client
}

// serverMetrics counts connections for one listener and exposes them as a
// prometheus.Collector.
type serverMetrics struct {
	name string

	accepted atomic.Int64
	active   atomic.Int64
	failed   atomic.Int64
	sent     atomic.Int64
	received atomic.Int64

	acceptedDesc *prometheus.Desc
	activeDesc   *prometheus.Desc
	failedDesc   *prometheus.Desc
	bytesDesc    *prometheus.Desc
}

func newServerMetrics(server string) *serverMetrics {
	labels := prometheus.Labels{"server": server}
	return &serverMetrics{
		name: server,
		acceptedDesc: prometheus.NewDesc("switchyard_connections_accepted_total",
			"Client connections accepted.", nil, labels),
		activeDesc: prometheus.NewDesc("switchyard_connections_active",
			"Client connections currently open.", nil, labels),
		failedDesc: prometheus.NewDesc("switchyard_connections_failed_total",
			"Client connections closed without a relay.", nil, labels),
		bytesDesc: prometheus.NewDesc("switchyard_relayed_bytes_total",
			"Bytes relayed between clients and upstreams.", []string{"direction"}, labels),
	}
}

func (m *serverMetrics) stats() Stats {
	return Stats{
		Accepted:      m.accepted.Load(),
		Active:        m.active.Load(),
		Failed:        m.failed.Load(),
		BytesSent:     m.sent.Load(),
		BytesReceived: m.received.Load(),
	}
}

func (m *serverMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.acceptedDesc
	ch <- m.activeDesc
	ch <- m.failedDesc
	ch <- m.bytesDesc
}

func (m *serverMetrics) Collect(ch chan<- prometheus.Metric) {
	s := m.stats()
	ch <- prometheus.MustNewConstMetric(m.acceptedDesc, prometheus.CounterValue, float64(s.Accepted))
	ch <- prometheus.MustNewConstMetric(m.activeDesc, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(m.failedDesc, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(m.bytesDesc, prometheus.CounterValue, float64(s.BytesSent), "sent")
	ch <- prometheus.MustNewConstMetric(m.bytesDesc, prometheus.CounterValue, float64(s.BytesReceived), "received")
}
