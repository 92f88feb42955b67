package core

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go4.org/netipx"

	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/kb"
	"github.com/signalsfoundry/manet-simulator/model"
)

// HostCapacity returns how many host addresses an IPv4 block holds once the
// network and broadcast addresses are excluded.
func HostCapacity(block netip.Prefix) int {
	if !block.IsValid() || !block.Addr().Is4() {
		return 0
	}
	hostBits := 32 - block.Bits()
	if hostBits < 2 {
		return 0
	}
	if hostBits > 30 {
		hostBits = 30
	}
	return 1<<hostBits - 2
}

// PlanAddresses returns the n addresses assigned to a cluster numbered out
// of block: address i is the block's network address plus i+1. The result
// depends only on its inputs.
func PlanAddresses(block netip.Prefix, n int) ([]netip.Addr, error) {
	if !block.IsValid() || !block.Addr().Is4() {
		return nil, fmt.Errorf("%w: address block %s is not an IPv4 prefix", ErrConfig, block)
	}
	block = block.Masked()
	if n > HostCapacity(block) {
		return nil, fmt.Errorf("%w: block %s (broadcast %s) holds %d hosts, need %d",
			ErrConfig, block, netipx.PrefixLastIP(block), HostCapacity(block), n)
	}
	out := make([]netip.Addr, 0, n)
	addr := block.Addr()
	for i := 0; i < n; i++ {
		addr = addr.Next()
		out = append(out, addr)
	}
	return out, nil
}

// CheckDisjoint reports every pair of clusters whose address blocks overlap.
func CheckDisjoint(clusters []model.ClusterSpec) error {
	var (
		b    netipx.IPSetBuilder
		errs []error
	)
	for i, c := range clusters {
		if !c.Block.IsValid() {
			continue
		}
		block := c.Block.Masked()
		set, err := b.IPSet()
		if err != nil {
			return fmt.Errorf("%w: build address set: %v", ErrConfig, err)
		}
		if set.OverlapsPrefix(block) {
			for _, prev := range clusters[:i] {
				if prev.Block.IsValid() && prev.Block.Masked().Overlaps(block) {
					errs = append(errs, fmt.Errorf("%w: address block %s of cluster %q overlaps %s of cluster %q",
						ErrConfig, block, c.Name, prev.Block.Masked(), prev.Name))
				}
			}
		}
		b.AddPrefix(block)
	}
	return errors.Join(errs...)
}

// AddressPlanner numbers each cluster's devices through the engine's
// allocator and records the result in the topology registry.
type AddressPlanner struct {
	alloc AddressAllocator
	topo  *kb.Topology
	log   logging.Logger
}

// NewAddressPlanner constructs a planner.
func NewAddressPlanner(alloc AddressAllocator, topo *kb.Topology, log logging.Logger) *AddressPlanner {
	if log == nil {
		log = logging.Noop()
	}
	return &AddressPlanner{alloc: alloc, topo: topo, log: log}
}

// Assign numbers c's devices out of its block and stores the interface set
// on the cluster. The engine's answer must match PlanAddresses.
func (p *AddressPlanner) Assign(ctx context.Context, c *Cluster) (InterfaceSet, error) {
	if c == nil || len(c.Devices) == 0 {
		name := ""
		if c != nil {
			name = c.Name
		}
		return nil, fmt.Errorf("%w: cluster %q has no devices to number", ErrSetupOrder, name)
	}
	if c.Interfaces != nil {
		return nil, fmt.Errorf("%w: cluster %q is already numbered", ErrSetupOrder, c.Name)
	}
	plan, err := PlanAddresses(c.Block, len(c.Devices))
	if err != nil {
		return nil, err
	}
	got, err := p.alloc.Assign(c.Devices, c.Block.Masked())
	if err != nil {
		return nil, fmt.Errorf("%w: assign addresses for cluster %q: %v", ErrEngine, c.Name, err)
	}
	if len(got) != len(plan) {
		return nil, fmt.Errorf("%w: cluster %q got %d addresses for %d devices", ErrEngine, c.Name, len(got), len(plan))
	}
	for i := range plan {
		if got[i] != plan[i] {
			return nil, fmt.Errorf("%w: device %d of cluster %q numbered %s, want %s", ErrEngine, i, c.Name, got[i], plan[i])
		}
	}
	if p.topo != nil {
		if err := p.topo.SetAddresses(c.Name, got); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSetupOrder, err)
		}
	}
	c.Interfaces = append(InterfaceSet(nil), got...)

	p.log.Debug(ctx, "cluster numbered",
		logging.String("cluster", c.Name),
		logging.String("block", c.Block.Masked().String()),
		logging.String("first", got[0].String()),
		logging.Int("count", len(got)),
	)
	return c.Interfaces, nil
}
