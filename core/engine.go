package core

import (
	"net/netip"
	"time"

	"github.com/signalsfoundry/manet-simulator/model"
)

// NodeID and DeviceID are opaque engine handles; the core only stores and
// passes them back.
type (
	NodeID   = model.NodeID
	DeviceID = model.DeviceID
)

// ChannelHandle identifies the shared wireless medium.
type ChannelHandle uint64

// DeviceSet is the ordered list of devices installed on a cluster's nodes;
// DeviceSet[i] belongs to node i.
type DeviceSet []DeviceID

// InterfaceSet is the ordered list of addresses assigned to a DeviceSet.
type InterfaceSet []netip.Addr

// Scheduler owns simulated time. Run blocks until the stop time is reached
// or the engine fails.
type Scheduler interface {
	Run(stop time.Duration) error
	Stop(at time.Duration)
	Destroy() error
}

// NodeFactory allocates node handles.
type NodeFactory interface {
	CreateNodes(n int) ([]NodeID, error)
}

// MobilityEngine owns node positions. It applies a policy from an initial
// position and reports course changes to subscribers.
type MobilityEngine interface {
	SetPolicy(node NodeID, initial model.Vector, policy model.MobilityPolicy) error
	OnCourseChange(node NodeID, fn func(pos model.Vector)) error
}

// ChannelFactory builds the shared wireless medium.
type ChannelFactory interface {
	CreateChannel(cfg model.WirelessConfig) (ChannelHandle, error)
}

// WirelessStack installs one device per node on a channel.
type WirelessStack interface {
	InstallWireless(ch ChannelHandle, mac model.MAC, nodes []NodeID) (DeviceSet, error)
}

// NetworkStack installs IP and a routing protocol on nodes.
type NetworkStack interface {
	InstallStack(nodes []NodeID, routing model.Routing) error
}

// AddressAllocator numbers devices out of a prefix.
type AddressAllocator interface {
	Assign(devices DeviceSet, block netip.Prefix) (InterfaceSet, error)
}

// AppKind selects which application TrafficHelper installs.
type AppKind int

const (
	// AppOnOff is a constant-rate datagram sender.
	AppOnOff AppKind = iota
	// AppPacketSink passively receives datagrams.
	AppPacketSink
	// AppEchoClient sends a fixed number of requests at a fixed interval.
	AppEchoClient
	// AppEchoServer answers every request it receives.
	AppEchoServer
)

func (k AppKind) String() string {
	switch k {
	case AppOnOff:
		return "onoff"
	case AppPacketSink:
		return "sink"
	case AppEchoClient:
		return "echo-client"
	case AppEchoServer:
		return "echo-server"
	default:
		return "unknown"
	}
}

// IsSender reports whether k originates traffic.
func (k AppKind) IsSender() bool {
	return k == AppOnOff || k == AppEchoClient
}

// Receiver returns the kind that accepts traffic from sender kind k. A
// datagram is only delivered to a receiver of that kind, so a sink and an
// echo server can share a node and port.
func (k AppKind) Receiver() (AppKind, bool) {
	switch k {
	case AppOnOff:
		return AppPacketSink, true
	case AppEchoClient:
		return AppEchoServer, true
	default:
		return 0, false
	}
}

// AppParams carries the per-application settings. Fields that do not apply
// to a kind are zero.
type AppParams struct {
	PacketSize int
	Rate       model.DataRate
	MaxPackets int
	Interval   time.Duration
}

// ApplicationHandle schedules an installed application's activity window.
type ApplicationHandle interface {
	Start(at time.Duration)
	Stop(at time.Duration)
}

// TrafficHelper installs applications. For senders endpoint is the remote
// address; for receivers it is the local listen address.
type TrafficHelper interface {
	InstallApplication(kind AppKind, endpoint netip.AddrPort, params AppParams, node NodeID) (ApplicationHandle, error)
}

// AnimationExporter is a configured animation output.
type AnimationExporter interface {
	EnableMetadata(enabled bool)
	Path() string
}

// TraceHelper enables trace outputs and returns their identifiers.
type TraceHelper interface {
	EnableCapture(name string, devices DeviceSet) (string, error)
	EnableEventLog(name string) (string, error)
	NewAnimation(path string) (AnimationExporter, error)
}

// Engine is the full set of collaborators a scenario needs.
type Engine interface {
	Scheduler
	NodeFactory
	MobilityEngine
	ChannelFactory
	WirelessStack
	NetworkStack
	AddressAllocator
	TrafficHelper
	TraceHelper
}
