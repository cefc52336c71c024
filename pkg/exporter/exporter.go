// Package exporter exposes socket byte counts as Prometheus metrics.
package exporter

import (
	"github.com/irctrakz/tcpmetrics/pkg/core"
	"github.com/irctrakz/tcpmetrics/pkg/socket"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tcpmetrics"

// Collector reports a socket.Registry's totals at scrape time.
type Collector struct {
	reg *socket.Registry

	received *prometheus.Desc
	sent     *prometheus.Desc
	open     *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for reg.
func NewCollector(reg *socket.Registry) *Collector {
	return &Collector{
		reg: reg,
		received: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "received_bytes_total"),
			"Bytes read from instrumented sockets.", nil, nil),
		sent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sent_bytes_total"),
			"Bytes written to instrumented sockets.", nil, nil),
		open: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "open_sockets"),
			"Instrumented sockets currently tracked.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.received
	ch <- c.sent
	ch <- c.open
}

// Collect implements prometheus.Collector. All three values come from one
// snapshot.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.reg.Totals()
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(snap.Total.Received))
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(snap.Total.Sent))
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(len(snap.Sockets)))
}

// SummaryObserver turns socket summaries into per-connection size
// histograms.
type SummaryObserver struct {
	closed   prometheus.Counter
	received prometheus.Histogram
	sent     prometheus.Histogram
}

var _ prometheus.Collector = (*SummaryObserver)(nil)

// NewSummaryObserver creates an observer. Subscribe its Observe method to a
// registry with Registry.OnSummary.
func NewSummaryObserver() *SummaryObserver {
	buckets := prometheus.ExponentialBuckets(64, 4, 12)
	return &SummaryObserver{
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closed_sockets_total",
			Help:      "Instrumented sockets closed with tracked traffic.",
		}),
		received: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socket_received_bytes",
			Help:      "Bytes read per socket over its lifetime.",
			Buckets:   buckets,
		}),
		sent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socket_sent_bytes",
			Help:      "Bytes written per socket over its lifetime.",
			Buckets:   buckets,
		}),
	}
}

// Observe records one closed socket.
func (o *SummaryObserver) Observe(s core.Summary) {
	o.closed.Inc()
	o.received.Observe(float64(s.Received))
	o.sent.Observe(float64(s.Sent))
}

// Describe implements prometheus.Collector.
func (o *SummaryObserver) Describe(ch chan<- *prometheus.Desc) {
	o.closed.Describe(ch)
	o.received.Describe(ch)
	o.sent.Describe(ch)
}

// Collect implements prometheus.Collector.
func (o *SummaryObserver) Collect(ch chan<- prometheus.Metric) {
	o.closed.Collect(ch)
	o.received.Collect(ch)
	o.sent.Collect(ch)
}

// NewPrometheusRegistry creates a Prometheus registry holding the Go and
// process collectors plus the socket metrics of reg. The summary observer is
// subscribed to reg.
func NewPrometheusRegistry(reg *socket.Registry) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}))
	registry.MustRegister(prometheus.NewGoCollector())

	obs := NewSummaryObserver()
	reg.OnSummary(obs.Observe)
	registry.MustRegister(NewCollector(reg), obs)
	return registry
}
