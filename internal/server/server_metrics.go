package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gortc/turnrelay/internal/allocator"
)

type noopMetrics struct{}

func (noopMetrics) incSTUNMessages()    {}
func (noopMetrics) incAllocations()     {}
func (noopMetrics) decAllocations()     {}
func (noopMetrics) incForwardedBytes(int) {}

type fullMetricsRecorder interface {
	metricsRecorder
	incAllocations()
	decAllocations()
	incForwardedBytes(n int)
}

var (
	_ fullMetricsRecorder = noopMetrics{}
	_ fullMetricsRecorder = (*promMetrics)(nil)
)

// promMetrics is the Prometheus collector for one ingress socket, registered
// with the server's MetricsRegistry when Options.Registry is set.
type promMetrics struct {
	stunMessages   prometheus.Counter
	allocations    prometheus.Gauge
	forwardedBytes prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	return &promMetrics{
		stunMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnrelay_stun_messages_count",
			Help:        "Received STUN messages, excluding datagrams dropped by client filtering.",
			ConstLabels: labels,
		}),
		allocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "turnrelay_allocations",
			Help:        "Currently active relay allocations.",
			ConstLabels: labels,
		}),
		forwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnrelay_forwarded_bytes_total",
			Help:        "Bytes forwarded between peers via Send indications and ChannelData.",
			ConstLabels: labels,
		}),
	}
}

func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.stunMessages.Desc()
	d <- m.allocations.Desc()
	d <- m.forwardedBytes.Desc()
}

func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.stunMessages.Collect(c)
	m.allocations.Collect(c)
	m.forwardedBytes.Collect(c)
}

func (m *promMetrics) incSTUNMessages()        { m.stunMessages.Inc() }
func (m *promMetrics) incAllocations()         { m.allocations.Inc() }
func (m *promMetrics) decAllocations()         { m.allocations.Dec() }
func (m *promMetrics) incForwardedBytes(n int) { m.forwardedBytes.Add(float64(n)) }

// metricsObserver decorates an allocator.Observer, keeping the allocations
// gauge in step with OnAllocated/OnDestroy
// without the core itself knowing anything about Prometheus.
type metricsObserver struct {
	allocator.Observer
	metrics fullMetricsRecorder
}

func newMetricsObserver(next allocator.Observer, metrics fullMetricsRecorder) *metricsObserver {
	return &metricsObserver{Observer: next, metrics: metrics}
}

func (m *metricsObserver) OnAllocated(key allocator.SessionKey, username string, port uint16) {
	m.Observer.OnAllocated(key, username, port)
	m.metrics.incAllocations()
}

func (m *metricsObserver) OnDestroy(key allocator.SessionKey, username string) {
	m.Observer.OnDestroy(key, username)
	m.metrics.decAllocations()
}
