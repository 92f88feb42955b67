package core

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/signalsfoundry/manet-simulator/model"
)

// Scenario is one complete experiment description: run-wide settings, the
// clusters to build and the flows to install.
type Scenario struct {
	Config   ScenarioConfig
	Clusters []model.ClusterSpec
	Flows    []model.TrafficFlow
}

// WithDefaults fills optional fields of the config and flows.
func (s Scenario) WithDefaults() Scenario {
	s.Config = s.Config.WithDefaults()
	flows := make([]model.TrafficFlow, len(s.Flows))
	copy(flows, s.Flows)
	for i := range flows {
		if flows[i].Port == 0 {
			flows[i].Port = DefaultPort
		}
	}
	s.Flows = flows
	return s
}

// PlannedAddresses maps every address the scenario will assign to the node
// that will own it. Clusters whose block cannot be planned are skipped.
func (s Scenario) PlannedAddresses() map[netip.Addr]model.NodeRef {
	out := make(map[netip.Addr]model.NodeRef)
	for _, c := range s.Clusters {
		plan, err := PlanAddresses(c.Block, c.Size)
		if err != nil {
			continue
		}
		for i, a := range plan {
			out[a] = model.NodeRef{Cluster: c.Name, Index: i}
		}
	}
	return out
}

// Validate checks everything that can be checked without an engine. Every
// violation is reported, each wrapping ErrConfig.
func (s Scenario) Validate() error {
	var errs []error
	if err := s.Config.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(s.Clusters) == 0 {
		errs = append(errs, fmt.Errorf("%w: scenario has no clusters", ErrConfig))
	}
	sizes := make(map[string]int, len(s.Clusters))
	for _, c := range s.Clusters {
		if _, dup := sizes[c.Name]; dup && c.Name != "" {
			errs = append(errs, fmt.Errorf("%w: cluster name %q is used twice", ErrConfig, c.Name))
		}
		sizes[c.Name] = c.Size
		if err := ValidateCluster(c); err != nil {
			errs = append(errs, err)
		}
		if _, err := PlanAddresses(c.Block, c.Size); err != nil {
			errs = append(errs, fmt.Errorf("cluster %q: %w", c.Name, err))
		}
	}
	if err := CheckDisjoint(s.Clusters); err != nil {
		errs = append(errs, err)
	}

	planned := s.PlannedAddresses()
	for _, f := range s.Flows {
		errs = append(errs, validateFlow(f, sizes, planned, s.Config.StopTime)...)
	}
	return errors.Join(errs...)
}

func validateFlow(f model.TrafficFlow, sizes map[string]int, planned map[netip.Addr]model.NodeRef, stop time.Duration) []error {
	var errs []error
	label := f.Label()
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: flow %q: %s", ErrConfig, label, fmt.Sprintf(format, args...)))
	}

	if size, ok := sizes[f.Source.Cluster]; !ok {
		bad("source cluster %q does not exist", f.Source.Cluster)
	} else if f.Source.Index < 0 || f.Source.Index >= size {
		bad("source %s is outside a cluster of %d nodes", f.Source, size)
	}
	if !f.Destination.IsValid() {
		bad("destination address is missing")
	} else if _, ok := planned[f.Destination]; !ok {
		bad("destination %s is not assigned to any node", f.Destination)
	}
	if !f.Window.Within(stop) {
		bad("window %s does not fit in [0, %s]", f.Window, stop)
	}
	if f.PacketSize <= 0 {
		bad("packet size %d must be positive", f.PacketSize)
	} else if f.PacketSize > MaxPacketSize {
		bad("packet size %d exceeds the %d byte UDP payload limit", f.PacketSize, MaxPacketSize)
	}
	switch f.Kind {
	case model.FlowStream:
		if f.Rate == 0 {
			bad("stream rate must be positive")
		} else if f.PacketSize > 0 && f.Rate.TransmitTime(f.PacketSize) <= 0 {
			bad("rate %s sends %d byte packets in under a nanosecond", f.Rate, f.PacketSize)
		}
	case model.FlowRequestResponse:
		if f.MaxPackets <= 0 {
			bad("max packets %d must be positive", f.MaxPackets)
		}
		if f.Interval <= 0 {
			bad("interval %s must be positive", f.Interval)
		}
	default:
		bad("unknown kind %s", f.Kind)
	}
	return errs
}
