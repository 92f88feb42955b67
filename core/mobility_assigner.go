package core

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/kb"
	"github.com/signalsfoundry/manet-simulator/model"
)

// Cluster is a built cluster: the engine handles of its nodes and, as the
// build proceeds, of their devices and interfaces. Index i of every slice
// refers to the same node.
type Cluster struct {
	Name       string
	Block      netip.Prefix
	Mobility   model.MobilityPolicy
	Nodes      []NodeID
	Devices    DeviceSet
	Interfaces InterfaceSet
}

// Ref returns the reference to node i of the cluster.
func (c *Cluster) Ref(i int) model.NodeRef {
	return model.NodeRef{Cluster: c.Name, Index: i}
}

// ValidateCluster checks a ClusterSpec without touching the engine.
func ValidateCluster(spec model.ClusterSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: cluster has no name", ErrConfig)
	}
	if spec.Size < 1 {
		return fmt.Errorf("%w: cluster %q has size %d, need at least 1", ErrConfig, spec.Name, spec.Size)
	}
	if spec.Mobility == nil {
		return fmt.Errorf("%w: cluster %q has no mobility policy", ErrConfig, spec.Name)
	}
	if err := spec.Mobility.Validate(spec.Size); err != nil {
		return fmt.Errorf("%w: cluster %q: %v", ErrConfig, spec.Name, err)
	}
	return nil
}

// MobilityAssigner creates a cluster's nodes and hands each node's initial
// position and motion rule to the mobility engine.
type MobilityAssigner struct {
	nodes    NodeFactory
	mobility MobilityEngine
	topo     *kb.Topology
	log      logging.Logger
}

// NewMobilityAssigner constructs an assigner.
func NewMobilityAssigner(nodes NodeFactory, mobility MobilityEngine, topo *kb.Topology, log logging.Logger) *MobilityAssigner {
	if log == nil {
		log = logging.Noop()
	}
	return &MobilityAssigner{nodes: nodes, mobility: mobility, topo: topo, log: log}
}

// BuildCluster validates spec, then creates its nodes and assigns their
// mobility. A malformed cluster spec fails with ErrConfig before any node exists.
func (m *MobilityAssigner) BuildCluster(ctx context.Context, spec model.ClusterSpec) (*Cluster, error) {
	if err := ValidateCluster(spec); err != nil {
		return nil, err
	}

	ids, err := m.nodes.CreateNodes(spec.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: create %d nodes for cluster %q: %v", ErrEngine, spec.Size, spec.Name, err)
	}
	if len(ids) != spec.Size {
		return nil, fmt.Errorf("%w: cluster %q asked for %d nodes, engine created %d", ErrEngine, spec.Name, spec.Size, len(ids))
	}

	positions := spec.Mobility.InitialPositions(spec.Size)
	for i, id := range ids {
		if err := m.mobility.SetPolicy(id, positions[i], spec.Mobility); err != nil {
			return nil, fmt.Errorf("%w: set mobility of %s: %v", ErrEngine, model.NodeRef{Cluster: spec.Name, Index: i}, err)
		}
	}

	if m.topo != nil {
		if err := m.topo.AddCluster(spec.Name, spec.Block.Masked(), ids); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}

	m.log.Info(ctx, "cluster created",
		logging.String("cluster", spec.Name),
		logging.Int("nodes", spec.Size),
		logging.String("mobility", spec.Mobility.Kind().String()),
	)

	return &Cluster{
		Name:     spec.Name,
		Block:    spec.Block.Masked(),
		Mobility: spec.Mobility,
		Nodes:    ids,
	}, nil
}
