// ABOUTME: Prometheus metrics registry for the relay gateway.
// ABOUTME: Lazily created singleton; all packages share the default registerer.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all relay gateway metrics.
type Registry struct {
	// Agent connection lifecycle
	ConnectedAgents  prometheus.Gauge
	AgentConnects    prometheus.Counter
	AgentDisconnects prometheus.Counter
	IdentifyFailures *prometheus.CounterVec

	// Command relay
	PendingCommands prometheus.Gauge
	CommandsTotal   *prometheus.CounterVec
	CommandFailures *prometheus.CounterVec
	CommandLatency  prometheus.Histogram

	// Frame handling
	FramesDropped *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_agents",
		Help: "Number of currently connected site agents",
	})

	r.AgentConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_agent_connects_total",
		Help: "Total successful agent identifications",
	})

	r.AgentDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_agent_disconnects_total",
		Help: "Total agent disconnects",
	})

	r.IdentifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_identify_failures_total",
		Help: "Connections closed during the identification handshake",
	}, []string{"reason"})

	r.PendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pending_commands",
		Help: "Commands currently awaiting an agent response",
	})

	r.CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commands_total",
		Help: "Commands sent to agents",
	}, []string{"action"})

	r.CommandFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_command_failures_total",
		Help: "Commands resolved with a failure",
	}, []string{"kind"})

	r.CommandLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_command_duration_seconds",
		Help:    "Time from command send to resolution",
		Buckets: prometheus.DefBuckets,
	})

	r.FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Inbound frames dropped (unknown type or unknown request id)",
	}, []string{"reason"})

	return r
}
