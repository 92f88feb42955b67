package model

import (
	"fmt"
	"net/netip"
	"strings"
)

// ClusterSpec declaratively describes one group of nodes sharing a
// mobility policy and an address block.
type ClusterSpec struct {
	Name     string
	Size     int
	Mobility MobilityPolicy
	// Block is the IPv4 network the cluster's interfaces are numbered from.
	Block netip.Prefix
}

// NodeRef names a node by cluster and position within it.
type NodeRef struct {
	Cluster string
	Index   int
}

func (r NodeRef) String() string {
	return fmt.Sprintf("%s[%d]", r.Cluster, r.Index)
}

// Path is the hierarchical trace path of the node, of the form
// /clusters/<name>/nodes/<index>.
func (r NodeRef) Path() string {
	return fmt.Sprintf("/clusters/%s/nodes/%d", r.Cluster, r.Index)
}

// NodeID is an opaque engine handle for a node.
type NodeID uint64

// DeviceID is an opaque engine handle for a wireless device.
type DeviceID uint64

// Routing is the routing protocol installed on every node's network stack.
type Routing string

const (
	RoutingAODV Routing = "aodv"
	RoutingOLSR Routing = "olsr"
	RoutingDSDV Routing = "dsdv"
	RoutingDSR  Routing = "dsr"
)

// ParseRouting accepts the case-insensitive protocol name.
func ParseRouting(s string) (Routing, error) {
	switch r := Routing(strings.ToLower(strings.TrimSpace(s))); r {
	case RoutingAODV, RoutingOLSR, RoutingDSDV, RoutingDSR:
		return r, nil
	case "":
		return RoutingAODV, nil
	default:
		return "", fmt.Errorf("unknown routing protocol %q", s)
	}
}

// MAC is the wireless MAC variant.
type MAC string

const MACAdhoc MAC = "adhoc"

// WirelessConfig selects the shared medium's PHY settings.
type WirelessConfig struct {
	Standard string // e.g. "802.11b"
	DataMode string // constant-rate manager mode, e.g. "DsssRate1Mbps"
	MAC      MAC
	// Range is the reachability radius in metres; 0 means unlimited.
	Range float64
}

// DefaultWirelessConfig is 802.11b ad-hoc at a constant 1 Mb/s.
func DefaultWirelessConfig() WirelessConfig {
	return WirelessConfig{
		Standard: "802.11b",
		DataMode: "DsssRate1Mbps",
		MAC:      MACAdhoc,
	}
}

// DataModeRate returns the PHY rate implied by a DSSS/CCK data mode name.
func DataModeRate(mode string) (DataRate, error) {
	switch mode {
	case "DsssRate1Mbps":
		return 1_000_000, nil
	case "DsssRate2Mbps":
		return 2_000_000, nil
	case "DsssRate5_5Mbps":
		return 5_500_000, nil
	case "DsssRate11Mbps":
		return 11_000_000, nil
	default:
		return 0, fmt.Errorf("unknown data mode %q", mode)
	}
}
