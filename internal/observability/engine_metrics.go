package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Packet event labels used by EngineCollector.
const (
	PacketSent     = "sent"
	PacketReceived = "received"
	PacketDropped  = "dropped"
)

// EngineCollector exposes metrics for the in-process simulation engine.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Packets      *prometheus.CounterVec
	Drops        *prometheus.CounterVec
	EventsQueued prometheus.Gauge
	SimTime      prometheus.Gauge
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	packets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manet_engine_packets_total",
		Help: "Packets handled by the engine, labeled by event (sent, received, dropped).",
	}, []string{"event"})
	packets, err := registerCounterVec(reg, packets, "manet_engine_packets_total")
	if err != nil {
		return nil, err
	}

	drops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manet_engine_drops_total",
		Help: "Dropped packets, labeled by reason.",
	}, []string{"reason"})
	drops, err = registerCounterVec(reg, drops, "manet_engine_drops_total")
	if err != nil {
		return nil, err
	}

	queued, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manet_engine_events_scheduled",
		Help: "Events scheduled on the discrete-event kernel so far.",
	}), "manet_engine_events_scheduled")
	if err != nil {
		return nil, err
	}

	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manet_engine_sim_time_seconds",
		Help: "Current simulation time.",
	}), "manet_engine_sim_time_seconds")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:     gatherer,
		Packets:      packets,
		Drops:        drops,
		EventsQueued: queued,
		SimTime:      simTime,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncPacket counts one packet event.
func (c *EngineCollector) IncPacket(event string) {
	if c == nil || c.Packets == nil {
		return
	}
	c.Packets.WithLabelValues(event).Inc()
}

// IncDrop counts a dropped packet under both the packet and drop vectors.
func (c *EngineCollector) IncDrop(reason string) {
	if c == nil {
		return
	}
	c.IncPacket(PacketDropped)
	if c.Drops != nil {
		c.Drops.WithLabelValues(reason).Inc()
	}
}

// SetEventsScheduled updates the scheduled-event gauge.
func (c *EngineCollector) SetEventsScheduled(n int) {
	if c == nil || c.EventsQueued == nil {
		return
	}
	c.EventsQueued.Set(float64(n))
}

// SetSimTime records the current simulation time in seconds.
func (c *EngineCollector) SetSimTime(seconds float64) {
	if c == nil || c.SimTime == nil {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	c.SimTime.Set(seconds)
}
