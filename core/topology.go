package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/kb"
)

// TopologyBuilder owns the shared wireless channel and attaches clusters
// to it.
type TopologyBuilder struct {
	cfg      ScenarioConfig
	channels ChannelFactory
	wireless WirelessStack
	stack    NetworkStack
	topo     *kb.Topology
	log      logging.Logger

	channel  ChannelHandle
	hasChan  bool
	attached map[string]bool
}

// NewTopologyBuilder constructs a builder for cfg's wireless and routing
// settings.
func NewTopologyBuilder(cfg ScenarioConfig, channels ChannelFactory, wireless WirelessStack, stack NetworkStack, topo *kb.Topology, log logging.Logger) *TopologyBuilder {
	if log == nil {
		log = logging.Noop()
	}
	return &TopologyBuilder{
		cfg:      cfg,
		channels: channels,
		wireless: wireless,
		stack:    stack,
		topo:     topo,
		log:      log,
		attached: make(map[string]bool),
	}
}

// BuildChannel creates the shared channel. It may be called once.
func (b *TopologyBuilder) BuildChannel(ctx context.Context) (ChannelHandle, error) {
	if b.hasChan {
		return 0, fmt.Errorf("%w: shared channel already built", ErrSetupOrder)
	}
	ch, err := b.channels.CreateChannel(b.cfg.Wireless)
	if err != nil {
		return 0, fmt.Errorf("%w: create channel: %v", ErrEngine, err)
	}
	b.channel = ch
	b.hasChan = true
	b.log.Info(ctx, "shared channel built",
		logging.String("standard", b.cfg.Wireless.Standard),
		logging.String("data_mode", b.cfg.Wireless.DataMode),
		logging.Float64("range_m", b.cfg.Wireless.Range),
	)
	return ch, nil
}

// AttachWireless installs one ad-hoc device per node of c on the shared
// channel, then the network stack with the configured routing protocol.
func (b *TopologyBuilder) AttachWireless(ctx context.Context, c *Cluster) (DeviceSet, error) {
	if !b.hasChan {
		return nil, fmt.Errorf("%w: cluster %q attached before the shared channel exists", ErrSetupOrder, c.Name)
	}
	if b.attached[c.Name] {
		return nil, fmt.Errorf("%w: cluster %q is already attached", ErrSetupOrder, c.Name)
	}

	devices, err := b.wireless.InstallWireless(b.channel, b.cfg.Wireless.MAC, c.Nodes)
	if err != nil {
		return nil, fmt.Errorf("%w: install wireless on cluster %q: %v", ErrEngine, c.Name, err)
	}
	if len(devices) != len(c.Nodes) {
		return nil, fmt.Errorf("%w: cluster %q has %d nodes, engine installed %d devices", ErrEngine, c.Name, len(c.Nodes), len(devices))
	}
	if err := b.stack.InstallStack(c.Nodes, b.cfg.Routing); err != nil {
		return nil, fmt.Errorf("%w: install %s stack on cluster %q: %v", ErrEngine, b.cfg.Routing, c.Name, err)
	}
	if b.topo != nil {
		if err := b.topo.SetDevices(c.Name, devices); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSetupOrder, err)
		}
	}

	b.attached[c.Name] = true
	c.Devices = append(DeviceSet(nil), devices...)
	b.log.Debug(ctx, "cluster attached",
		logging.String("cluster", c.Name),
		logging.Int("devices", len(devices)),
		logging.String("routing", string(b.cfg.Routing)),
	)
	return c.Devices, nil
}
