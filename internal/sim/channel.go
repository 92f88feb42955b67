package sim

import (
	"net/netip"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/model"
	"github.com/signalsfoundry/manet-simulator/timectrl"
)

// channel is a shared broadcast medium.
type channel struct {
	id      core.ChannelHandle
	cfg     model.WirelessConfig
	rate    model.DataRate
	devices []*device
}

// device is one wireless interface.
type device struct {
	id   core.DeviceID
	node *node
	ch   *channel
	addr netip.Addr
}

// inRange reports whether a and b can hear each other at time t. A zero
// range makes every pair of devices on the channel neighbours.
func (c *channel) inRange(a, b *device, t time.Duration) bool {
	if c.cfg.Range <= 0 {
		return true
	}
	return a.node.position(t).DistanceTo(b.node.position(t)) <= c.cfg.Range
}

// route returns the hop-count shortest device path from src to dst over the
// reachability graph at time t, or nil when dst cannot be reached. Only
// devices whose node runs a network stack forward traffic.
func (c *channel) route(src, dst *device, t time.Duration) []*device {
	if src == dst {
		return []*device{src}
	}
	g := simple.NewUndirectedGraph()
	byID := make(map[int64]*device, len(c.devices))
	for _, d := range c.devices {
		if d.node.routing == "" {
			continue
		}
		byID[int64(d.id)] = d
		g.AddNode(simple.Node(int64(d.id)))
	}
	if byID[int64(src.id)] == nil || byID[int64(dst.id)] == nil {
		return nil
	}
	for i, a := range c.devices {
		if byID[int64(a.id)] == nil {
			continue
		}
		for _, b := range c.devices[i+1:] {
			if byID[int64(b.id)] == nil || a.node == b.node {
				continue
			}
			if c.inRange(a, b, t) {
				g.SetEdge(g.NewEdge(simple.Node(int64(a.id)), simple.Node(int64(b.id))))
			}
		}
	}

	tree := path.DijkstraFrom(simple.Node(int64(src.id)), g)
	nodes, _ := tree.To(int64(dst.id))
	if len(nodes) == 0 {
		return nil
	}
	return devicePath(nodes, byID)
}

func devicePath(nodes []graph.Node, byID map[int64]*device) []*device {
	out := make([]*device, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, byID[n.ID()])
	}
	return out
}

// pathDelay is the time a datagram of size payload bytes takes to cross
// hops: per hop, the transmit time at the channel rate plus propagation.
func (c *channel) pathDelay(hops []*device, size int, t time.Duration) time.Duration {
	var total time.Duration
	tx := c.rate.TransmitTime(size + headerBytes)
	for i := 1; i < len(hops); i++ {
		dist := hops[i-1].node.position(t).DistanceTo(hops[i].node.position(t))
		total += tx + timectrl.Seconds(dist/propagationSpeed)
	}
	return total
}
