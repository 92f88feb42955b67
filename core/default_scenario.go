package core

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/signalsfoundry/manet-simulator/model"
)

// Stock scenario parameters.
const (
	DefaultNodesPerCluster = 3
	DefaultStreamRate      = model.DataRate(500_000)
	DefaultEchoPackets     = 100
	DefaultEchoInterval    = time.Second
)

// DefaultScenario builds the three-cluster experiment: clusterA static on
// a grid at the origin, clusterB on random waypoints and clusterC on a 2D
// random walk, each numbered from its own /24, with two flows from the
// first node of clusterA to the first nodes of clusterB and clusterC.
// Senders are active over [1 s, stop-1 s].
func DefaultScenario(stopTime time.Duration, nodesPerCluster int, kind model.FlowKind) Scenario {
	if nodesPerCluster <= 0 {
		nodesPerCluster = DefaultNodesPerCluster
	}
	cfg := DefaultScenarioConfig()
	cfg.StopTime = stopTime

	gridA := model.DefaultGridLayout(0, 0)
	gridB := model.DefaultGridLayout(50, 50)
	gridC := model.DefaultGridLayout(100, 100)

	clusters := []model.ClusterSpec{
		{
			Name:     "clusterA",
			Size:     nodesPerCluster,
			Mobility: model.StaticPolicy{Positions: gridA.Positions(nodesPerCluster)},
			Block:    netip.MustParsePrefix("10.1.1.0/24"),
		},
		{
			Name: "clusterB",
			Size: nodesPerCluster,
			Mobility: model.RandomWaypointPolicy{
				Speed:  model.Range{Min: 1, Max: 5},
				Pause:  model.Constant(2),
				Bounds: model.Rectangle{XMin: 0, XMax: 200, YMin: 0, YMax: 200},
				Layout: gridB,
			},
			Block: netip.MustParsePrefix("10.1.2.0/24"),
		},
		{
			Name: "clusterC",
			Size: nodesPerCluster,
			Mobility: model.RandomWalk2DPolicy{
				Mode:   model.WalkModeTime,
				Period: 2 * time.Second,
				Speed:  model.Constant(1),
				Bounds: walkBounds(gridC, nodesPerCluster),
				Layout: gridC,
			},
			Block: netip.MustParsePrefix("10.1.3.0/24"),
		},
	}

	scn := Scenario{Config: cfg, Clusters: clusters}
	window := model.Window{Start: time.Second, Stop: stopTime - time.Second}
	source := model.NodeRef{Cluster: "clusterA", Index: 0}
	for _, dst := range clusters[1:] {
		// Node 0 is always numbered base+1; oversized clusters are
		// rejected later by Validate.
		addr := dst.Block.Masked().Addr().Next()
		flow := model.TrafficFlow{
			Name:        fmt.Sprintf("%s->%s", source, model.NodeRef{Cluster: dst.Name, Index: 0}),
			Kind:        kind,
			Source:      source,
			Destination: addr,
			Port:        DefaultPort,
			Window:      window,
		}
		switch kind {
		case model.FlowRequestResponse:
			flow.PacketSize = DefaultEchoPacketSize
			flow.MaxPackets = DefaultEchoPackets
			flow.Interval = DefaultEchoInterval
		default:
			flow.PacketSize = DefaultPacketSize
			flow.Rate = DefaultStreamRate
		}
		scn.Flows = append(scn.Flows, flow)
	}
	return scn
}

// walkBounds returns the grid's bounding box grown by 50 m on every side,
// so every node begins inside the reflecting walls.
func walkBounds(g model.GridLayout, n int) model.Rectangle {
	r := model.Rectangle{XMin: g.MinX, XMax: g.MinX, YMin: g.MinY, YMax: g.MinY}
	for _, p := range g.Positions(n) {
		if p.X > r.XMax {
			r.XMax = p.X
		}
		if p.Y > r.YMax {
			r.YMax = p.Y
		}
	}
	const margin = 50
	r.XMin -= margin
	r.YMin -= margin
	r.XMax += margin
	r.YMax += margin
	return r
}
