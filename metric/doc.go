// Package metric provides Prometheus-based metrics collection and an HTTP
// endpoint for the device runtime.
//
// A MetricsRegistry holds the runtime metrics (Metrics type: slot calls,
// requests, topology size, broker status, pipeline throughput and drops)
// and accepts additional collectors through the MetricsRegistrar interface.
// Every Record helper is nil-safe, so objects built without a registry can
// record unconditionally.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop()
//
//	registry.CoreMetrics().RecordPipelineDrop("camera:output")
package metric
