package core

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/kb"
	"github.com/signalsfoundry/manet-simulator/model"
)

type receiverKey struct {
	node NodeID
	kind AppKind
	port uint16
}

// TrafficPlan installs flows as sender/receiver application pairs.
// Receivers are shared by every flow that targets the same node, kind and
// port; senders are always per flow.
type TrafficPlan struct {
	cfg     ScenarioConfig
	traffic TrafficHelper
	topo    *kb.Topology
	log     logging.Logger

	receivers map[receiverKey]ApplicationHandle
	flows     int
}

// NewTrafficPlan constructs a plan that resolves nodes through topo.
func NewTrafficPlan(cfg ScenarioConfig, traffic TrafficHelper, topo *kb.Topology, log logging.Logger) *TrafficPlan {
	if log == nil {
		log = logging.Noop()
	}
	return &TrafficPlan{
		cfg:       cfg,
		traffic:   traffic,
		topo:      topo,
		log:       log,
		receivers: make(map[receiverKey]ApplicationHandle),
	}
}

// Flows returns how many flows have been installed.
func (p *TrafficPlan) Flows() int { return p.flows }

// Receivers returns how many distinct receivers have been installed.
func (p *TrafficPlan) Receivers() int { return len(p.receivers) }

// InstallFlow installs f. The sender runs over f's window; the receiver
// runs over the whole scenario.
func (p *TrafficPlan) InstallFlow(ctx context.Context, f model.TrafficFlow) (sender, receiver ApplicationHandle, err error) {
	if p.topo == nil {
		return nil, nil, fmt.Errorf("%w: flow %q installed without a topology", ErrSetupOrder, f.Label())
	}
	if !f.Window.Within(p.cfg.StopTime) {
		return nil, nil, fmt.Errorf("%w: flow %q window %s exceeds the scenario stop time %s", ErrConfig, f.Label(), f.Window, p.cfg.StopTime)
	}
	port := f.Port
	if port == 0 {
		port = DefaultPort
	}

	src, ok := p.topo.Node(f.Source)
	if !ok {
		return nil, nil, fmt.Errorf("%w: flow %q source %s is not in the topology", ErrConfig, f.Label(), f.Source)
	}
	dst, ok := p.topo.Lookup(f.Destination)
	if !ok {
		return nil, nil, fmt.Errorf("%w: flow %q destination %s does not resolve to a node", ErrConfig, f.Label(), f.Destination)
	}

	var (
		sendKind, recvKind AppKind
		params             AppParams
	)
	switch f.Kind {
	case model.FlowStream:
		sendKind, recvKind = AppOnOff, AppPacketSink
		params = AppParams{PacketSize: f.PacketSize, Rate: f.Rate}
	case model.FlowRequestResponse:
		sendKind, recvKind = AppEchoClient, AppEchoServer
		params = AppParams{PacketSize: f.PacketSize, MaxPackets: f.MaxPackets, Interval: f.Interval}
	default:
		return nil, nil, fmt.Errorf("%w: flow %q has unknown kind %s", ErrConfig, f.Label(), f.Kind)
	}

	endpoint := netip.AddrPortFrom(f.Destination, port)
	key := receiverKey{node: dst.Node, kind: recvKind, port: port}
	receiver, shared := p.receivers[key]
	if !shared {
		receiver, err = p.traffic.InstallApplication(recvKind, endpoint, AppParams{PacketSize: f.PacketSize}, dst.Node)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: install %s on %s: %v", ErrEngine, recvKind, dst.Ref, err)
		}
		receiver.Start(0)
		receiver.Stop(p.cfg.StopTime)
		p.receivers[key] = receiver
	}

	sender, err = p.traffic.InstallApplication(sendKind, endpoint, params, src.Node)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: install %s on %s: %v", ErrEngine, sendKind, src.Ref, err)
	}
	sender.Start(f.Window.Start)
	sender.Stop(f.Window.Stop)
	p.flows++

	p.log.Info(ctx, "flow installed",
		logging.String("flow", f.Label()),
		logging.String("kind", f.Kind.String()),
		logging.String("source", f.Source.String()),
		logging.String("destination", endpoint.String()),
		logging.String("receiver_node", dst.Ref.String()),
		logging.Bool("receiver_shared", shared),
		logging.String("window", f.Window.String()),
	)
	return sender, receiver, nil
}
