// Package telemetry holds the agent's process-local Prometheus
// collectors, grounded on oriys-nova's use of
// github.com/prometheus/client_golang for runtime instrumentation.
// The agent never serves an HTTP endpoint itself (the
// "providing a UI" Non-goal covers scrape endpoints too); a host that
// wants these metrics scraped registers Registry() with its own
// prometheus registerer.
package telemetry

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups every counter/gauge the agent records.
type Collectors struct {
	ExceptionsCaptured     prometheus.Counter
	ExceptionsDeduplicated prometheus.Counter
	BreakpointHits         prometheus.Counter
	ReconnectAttempts      prometheus.Counter
	OutboundQueueDepth     prometheus.Gauge
	MemoryMB               prometheus.Gauge
	PeakMemoryMB           prometheus.Gauge

	registry *prometheus.Registry
}

// New builds a fresh, unregistered-elsewhere Collectors set backed by
// its own private prometheus.Registry.
func New() *Collectors {
	c := &Collectors{
		ExceptionsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aivory_agent_exceptions_captured_total",
			Help: "Total number of exception/panic captures handed to the transport.",
		}),
		ExceptionsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aivory_agent_exceptions_deduplicated_total",
			Help: "Total number of captures dropped because their fingerprint was already seen.",
		}),
		BreakpointHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aivory_agent_breakpoint_hits_total",
			Help: "Total number of breakpoint hits that produced a breakpoint_hit envelope.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aivory_agent_reconnect_attempts_total",
			Help: "Total number of transport reconnect attempts.",
		}),
		OutboundQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aivory_agent_outbound_queue_depth",
			Help: "Current number of envelopes queued while the transport is unauthenticated.",
		}),
		MemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aivory_agent_memory_mb",
			Help: "Current process heap allocation in MB.",
		}),
		PeakMemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aivory_agent_peak_memory_mb",
			Help: "Heap memory obtained from the OS (HeapSys) in MB, an upper bound on peak heap allocation.",
		}),
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		c.ExceptionsCaptured,
		c.ExceptionsDeduplicated,
		c.BreakpointHits,
		c.ReconnectAttempts,
		c.OutboundQueueDepth,
		c.MemoryMB,
		c.PeakMemoryMB,
	)

	return c
}

// Registry exposes the private registry so a host can merge it into
// its own Prometheus endpoint.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// SampleMemory reads current heap allocation (HeapAlloc) and heap
// memory obtained from the OS (HeapSys) into the memory gauges and
// returns them in MB, for Heartbeat payloads. The second value bounds
// peak allocation from above; it is not a tracked maximum of HeapAlloc.
func (c *Collectors) SampleMemory() (currentMB, peakMB float64) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	currentMB = float64(stats.HeapAlloc) / (1024 * 1024)
	peakMB = float64(stats.HeapSys) / (1024 * 1024)

	c.MemoryMB.Set(currentMB)
	c.PeakMemoryMB.Set(peakMB)
	return currentMB, peakMB
}
