package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpersAreNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSlotCall("dev", "slotX", true, time.Millisecond)
		m.RecordSignal("dev", "signalChanged")
		m.RecordRequest("ok", time.Millisecond)
		m.RecordTopologySize(3)
		m.RecordDevicesHosted(1)
		m.RecordReconfigure(false)
		m.RecordHandlerFailure("dev")
		m.RecordBrokerStatus(true)
		m.RecordBrokerReconnect()
		m.RecordCircuitBreakerState(1)
		m.RecordPipelineWrite("dev:output")
		m.RecordPipelineDrop("dev:output")
		m.RecordPipelineQueue("dev:output", "sink:input", 2)
		m.RecordPipelineConnections("dev:output", 1)
	})
	assert.Nil(t, (*MetricsRegistry)(nil).CoreMetrics())
	assert.Nil(t, m.Registry())
}

func TestCoreMetricsLeadBackToRegistry(t *testing.T) {
	r := NewMetricsRegistry()
	assert.Same(t, r, r.CoreMetrics().Registry())
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordSlotCall("dev", "slotReconfigure", true, time.Millisecond)
	m.RecordSlotCall("dev", "slotReconfigure", false, time.Millisecond)
	m.RecordReconfigure(true)
	m.RecordReconfigure(false)
	m.RecordReconfigure(false)
	m.RecordPipelineWrite("gen:output")
	m.RecordPipelineWrite("gen:output")
	m.RecordPipelineDrop("gen:output")
	m.RecordPipelineQueue("gen:output", "sink:input", 4)
	m.RecordBrokerStatus(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlotCalls.WithLabelValues("dev", "slotReconfigure", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlotCalls.WithLabelValues("dev", "slotReconfigure", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reconfigures.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PipelineWritten.WithLabelValues("gen:output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineDropped.WithLabelValues("gen:output")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PipelineQueueDepth.WithLabelValues("gen:output", "sink:input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerConnected))
}
