package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors
// passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
