package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/European-XFEL/Karabo-sub009/metric"
)

type bufferMetrics struct {
	registry *metric.MetricsRegistry
	prefix   string

	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "buffer", Name: name,
			ConstLabels: labels, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "buffer", Name: name,
			ConstLabels: labels, Help: help,
		})
	}

	m := &bufferMetrics{
		registry:    registry,
		prefix:      prefix,
		writes:      counter("writes_total", "Total number of buffer writes"),
		reads:       counter("reads_total", "Total number of buffer reads"),
		drops:       counter("drops_total", "Total number of items dropped on overflow"),
		size:        gauge("size", "Current number of items in buffer"),
		utilization: gauge("utilization", "Buffer utilization (0.0 to 1.0)"),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_reads", m.reads); err != nil {
		m.unregister()
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		m.unregister()
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		m.unregister()
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		m.unregister()
		return nil, err
	}
	return m, nil
}

// unregister removes the buffer's collectors so the prefix can be reused by
// the next buffer, as happens when an input reconnects.
func (m *bufferMetrics) unregister() {
	for _, name := range []string{"buffer_writes", "buffer_reads", "buffer_drops", "buffer_size", "buffer_utilization"} {
		m.registry.Unregister(m.prefix, name)
	}
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
