package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every runtime metric.
const Namespace = "karabo"

// Metrics contains the runtime-level metrics shared by every hosted instance
type Metrics struct {
	// Signal/slot metrics
	SlotCalls       *prometheus.CounterVec
	SlotDuration    *prometheus.HistogramVec
	SignalsEmitted  *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	InstancesKnown  prometheus.Gauge

	// Device metrics
	DevicesHosted   prometheus.Gauge
	Reconfigures    *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec

	// Broker metrics
	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
	CircuitBreaker   prometheus.Gauge

	// Pipeline metrics
	PipelineWritten     *prometheus.CounterVec
	PipelineDropped     *prometheus.CounterVec
	PipelineQueueDepth  *prometheus.GaugeVec
	PipelineConnections *prometheus.GaugeVec

	// registry is set when the metrics live in a MetricsRegistry.
	registry *MetricsRegistry
}

// NewMetrics creates a new Metrics instance with all runtime metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SlotCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "slot",
				Name:      "calls_total",
				Help:      "Slot invocations by instance, slot and outcome",
			},
			[]string{"instance", "slot", "status"},
		),

		SlotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "slot",
				Name:      "duration_seconds",
				Help:      "Slot handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"instance"},
		),

		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "signal",
				Name:      "emitted_total",
				Help:      "Signals emitted by instance and signal",
			},
			[]string{"instance", "signal"},
		),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "request",
				Name:      "total",
				Help:      "Synchronous requests by outcome (ok, remote_error, timeout, gone)",
			},
			[]string{"status"},
		),

		RequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "request",
				Name:      "duration_seconds",
				Help:      "Round-trip time of synchronous requests",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 10},
			},
		),

		InstancesKnown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "topology",
				Name:      "instances",
				Help:      "Instances currently present in the system topology",
			},
		),

		DevicesHosted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "server",
				Name:      "devices",
				Help:      "Devices hosted by this server",
			},
		),

		Reconfigures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "device",
				Name:      "reconfigure_total",
				Help:      "Reconfiguration requests by outcome",
			},
			[]string{"status"},
		),

		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "device",
				Name:      "handler_failures_total",
				Help:      "Exceptions raised in user handlers",
			},
			[]string{"instance"},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Total number of broker reconnections",
			},
		),

		CircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "broker",
				Name:      "circuit_breaker",
				Help:      "Broker circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),

		PipelineWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "written_total",
				Help:      "Records written to output channels",
			},
			[]string{"channel"},
		),

		PipelineDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "dropped_total",
				Help:      "Records dropped for slow consumers",
			},
			[]string{"channel"},
		),

		PipelineQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "queue_depth",
				Help:      "Records queued per consumer",
			},
			[]string{"channel", "input"},
		),

		PipelineConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "connections",
				Help:      "Connected consumers per output channel",
			},
			[]string{"channel"},
		),
	}
}

// Registry returns the registry the metrics are exported from, nil for
// standalone metrics. Components register their own collectors there.
func (c *Metrics) Registry() *MetricsRegistry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.SlotCalls, c.SlotDuration, c.SignalsEmitted, c.Requests, c.RequestDuration,
		c.InstancesKnown, c.DevicesHosted, c.Reconfigures, c.HandlerFailures,
		c.BrokerConnected, c.BrokerReconnects, c.CircuitBreaker,
		c.PipelineWritten, c.PipelineDropped, c.PipelineQueueDepth, c.PipelineConnections,
	}
}

// The Record helpers are nil-safe so that runtime objects built without a
// registry can call them unconditionally.

// RecordSlotCall counts one slot invocation and its duration.
func (c *Metrics) RecordSlotCall(instance, slot string, ok bool, duration time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	c.SlotCalls.WithLabelValues(instance, slot, status).Inc()
	c.SlotDuration.WithLabelValues(instance).Observe(duration.Seconds())
}

// RecordSignal counts an emitted signal.
func (c *Metrics) RecordSignal(instance, signal string) {
	if c == nil {
		return
	}
	c.SignalsEmitted.WithLabelValues(instance, signal).Inc()
}

// RecordRequest counts a finished synchronous request.
func (c *Metrics) RecordRequest(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(status).Inc()
	c.RequestDuration.Observe(duration.Seconds())
}

// RecordTopologySize updates the number of known instances.
func (c *Metrics) RecordTopologySize(n int) {
	if c == nil {
		return
	}
	c.InstancesKnown.Set(float64(n))
}

// RecordDevicesHosted updates the hosted device count.
func (c *Metrics) RecordDevicesHosted(n int) {
	if c == nil {
		return
	}
	c.DevicesHosted.Set(float64(n))
}

// RecordReconfigure counts a reconfiguration outcome.
func (c *Metrics) RecordReconfigure(ok bool) {
	if c == nil {
		return
	}
	status := "accepted"
	if !ok {
		status = "rejected"
	}
	c.Reconfigures.WithLabelValues(status).Inc()
}

// RecordHandlerFailure counts an exception raised in a user handler.
func (c *Metrics) RecordHandlerFailure(instance string) {
	if c == nil {
		return
	}
	c.HandlerFailures.WithLabelValues(instance).Inc()
}

// RecordBrokerStatus updates broker connection status
func (c *Metrics) RecordBrokerStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.Set(value)
}

// RecordBrokerReconnect increments reconnection counter
func (c *Metrics) RecordBrokerReconnect() {
	if c == nil {
		return
	}
	c.BrokerReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.CircuitBreaker.Set(float64(state))
}

// RecordPipelineWrite counts a record written to channel.
func (c *Metrics) RecordPipelineWrite(channel string) {
	if c == nil {
		return
	}
	c.PipelineWritten.WithLabelValues(channel).Inc()
}

// RecordPipelineDrop counts a record dropped for a slow consumer.
func (c *Metrics) RecordPipelineDrop(channel string) {
	if c == nil {
		return
	}
	c.PipelineDropped.WithLabelValues(channel).Inc()
}

// RecordPipelineQueue updates the queue depth of one consumer.
func (c *Metrics) RecordPipelineQueue(channel, input string, depth int) {
	if c == nil {
		return
	}
	c.PipelineQueueDepth.WithLabelValues(channel, input).Set(float64(depth))
}

// RecordPipelineConnections updates the consumer count of channel.
func (c *Metrics) RecordPipelineConnections(channel string, n int) {
	if c == nil {
		return
	}
	c.PipelineConnections.WithLabelValues(channel).Set(float64(n))
}
