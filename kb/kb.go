package kb

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/signalsfoundry/manet-simulator/model"
)

var (
	// ErrFrozen is returned by mutators once Freeze has been called.
	ErrFrozen = errors.New("topology is frozen")
	// ErrClusterExists is returned when a cluster name is registered twice.
	ErrClusterExists = errors.New("cluster already exists")
	// ErrClusterNotFound is returned for unknown cluster names.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrAlreadyAssigned is returned when write-once fields are set again.
	ErrAlreadyAssigned = errors.New("already assigned")
	// ErrSizeMismatch is returned when a per-node slice has the wrong length.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrAddressInUse is returned when an address is already bound to another node.
	ErrAddressInUse = errors.New("address already in use")
)

// EventType indicates what kind of change happened in the topology.
type EventType int

const (
	EventClusterAdded EventType = iota
	EventDevicesAttached
	EventAddressesAssigned
	EventFrozen
)

func (t EventType) String() string {
	switch t {
	case EventClusterAdded:
		return "cluster-added"
	case EventDevicesAttached:
		return "devices-attached"
	case EventAddressesAssigned:
		return "addresses-assigned"
	case EventFrozen:
		return "frozen"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers when the topology changes.
type Event struct {
	Type     EventType
	Cluster  string
	Clusters int
	Nodes    int
}

// MetricsRecorder receives topology size updates.
type MetricsRecorder interface {
	SetTopologyCounts(clusters, nodes int)
}

// NodeRecord is everything the topology knows about one node.
type NodeRecord struct {
	Ref     model.NodeRef
	Node    model.NodeID
	Device  model.DeviceID
	Address netip.Addr

	hasDevice bool
}

// HasDevice reports whether a wireless device has been attached.
func (n NodeRecord) HasDevice() bool { return n.hasDevice }

// ClusterRecord is a snapshot of one cluster.
type ClusterRecord struct {
	Name  string
	Block netip.Prefix
	Nodes []NodeRecord
}

type cluster struct {
	name     string
	block    netip.Prefix
	nodes    []NodeRecord
	devices  bool
	assigned bool
}

// Topology is an in-memory, thread-safe registry of clusters, their nodes,
// devices and addresses. Every per-node field is written once during build;
// after Freeze the registry is read-only.
type Topology struct {
	mu sync.RWMutex

	order    []string
	clusters map[string]*cluster
	byAddr   map[netip.Addr]model.NodeRef
	nodes    int
	frozen   bool

	subs    map[int]func(Event)
	nextSub int
	metrics MetricsRecorder
}

// NewTopology constructs an empty registry.
func NewTopology() *Topology {
	return &Topology{
		clusters: make(map[string]*cluster),
		byAddr:   make(map[netip.Addr]model.NodeRef),
		subs:     make(map[int]func(Event)),
	}
}

// SetMetricsRecorder wires a metrics sink that is updated whenever the
// cluster or node counts change.
func (t *Topology) SetMetricsRecorder(r MetricsRecorder) {
	t.mu.Lock()
	t.metrics = r
	clusters, nodes := len(t.order), t.nodes
	t.mu.Unlock()
	if r != nil {
		r.SetTopologyCounts(clusters, nodes)
	}
}

// AddCluster registers a cluster and the engine handles of its nodes.
func (t *Topology) AddCluster(name string, block netip.Prefix, nodes []model.NodeID) error {
	t.mu.Lock()
	if t.frozen {
		t.mu.Unlock()
		return fmt.Errorf("%w: add cluster %q", ErrFrozen, name)
	}
	if _, exists := t.clusters[name]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrClusterExists, name)
	}
	c := &cluster{name: name, block: block, nodes: make([]NodeRecord, len(nodes))}
	for i, id := range nodes {
		c.nodes[i] = NodeRecord{Ref: model.NodeRef{Cluster: name, Index: i}, Node: id}
	}
	t.clusters[name] = c
	t.order = append(t.order, name)
	t.nodes += len(nodes)
	ev := t.eventLocked(EventClusterAdded, name)
	t.notify(ev)
	return nil
}

// SetDevices records the device attached to each node of a cluster.
func (t *Topology) SetDevices(name string, devices []model.DeviceID) error {
	t.mu.Lock()
	c, err := t.mutableLocked(name)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if c.devices {
		t.mu.Unlock()
		return fmt.Errorf("%w: devices of cluster %q", ErrAlreadyAssigned, name)
	}
	if len(devices) != len(c.nodes) {
		t.mu.Unlock()
		return fmt.Errorf("%w: cluster %q has %d nodes, got %d devices", ErrSizeMismatch, name, len(c.nodes), len(devices))
	}
	for i, d := range devices {
		c.nodes[i].Device = d
		c.nodes[i].hasDevice = true
	}
	c.devices = true
	ev := t.eventLocked(EventDevicesAttached, name)
	t.notify(ev)
	return nil
}

// SetAddresses records the interface address of each node of a cluster and
// indexes them for Lookup.
func (t *Topology) SetAddresses(name string, addrs []netip.Addr) error {
	t.mu.Lock()
	c, err := t.mutableLocked(name)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if c.assigned {
		t.mu.Unlock()
		return fmt.Errorf("%w: addresses of cluster %q", ErrAlreadyAssigned, name)
	}
	if len(addrs) != len(c.nodes) {
		t.mu.Unlock()
		return fmt.Errorf("%w: cluster %q has %d nodes, got %d addresses", ErrSizeMismatch, name, len(c.nodes), len(addrs))
	}
	seen := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		if owner, ok := t.byAddr[a]; ok {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s is bound to %s", ErrAddressInUse, a, owner)
		}
		if _, dup := seen[a]; dup {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s appears twice in cluster %q", ErrAddressInUse, a, name)
		}
		seen[a] = struct{}{}
	}
	for i, a := range addrs {
		c.nodes[i].Address = a
		t.byAddr[a] = c.nodes[i].Ref
	}
	c.assigned = true
	ev := t.eventLocked(EventAddressesAssigned, name)
	t.notify(ev)
	return nil
}

// Freeze makes the registry read-only.
func (t *Topology) Freeze() {
	t.mu.Lock()
	if t.frozen {
		t.mu.Unlock()
		return
	}
	t.frozen = true
	ev := t.eventLocked(EventFrozen, "")
	t.notify(ev)
}

// Frozen reports whether Freeze has been called.
func (t *Topology) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Cluster returns a snapshot of the named cluster.
func (t *Topology) Cluster(name string) (ClusterRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clusters[name]
	if !ok {
		return ClusterRecord{}, false
	}
	return c.snapshot(), true
}

// Clusters returns snapshots of all clusters in registration order.
func (t *Topology) Clusters() []ClusterRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := make([]ClusterRecord, 0, len(t.order))
	for _, name := range t.order {
		res = append(res, t.clusters[name].snapshot())
	}
	return res
}

// Node returns the record for ref.
func (t *Topology) Node(ref model.NodeRef) (NodeRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clusters[ref.Cluster]
	if !ok || ref.Index < 0 || ref.Index >= len(c.nodes) {
		return NodeRecord{}, false
	}
	return c.nodes[ref.Index], true
}

// Lookup resolves an interface address to the node it is bound to.
func (t *Topology) Lookup(addr netip.Addr) (NodeRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.byAddr[addr]
	if !ok {
		return NodeRecord{}, false
	}
	return t.clusters[ref.Cluster].nodes[ref.Index], true
}

// Counts returns the number of clusters and nodes registered.
func (t *Topology) Counts() (clusters, nodes int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order), t.nodes
}

// Subscribe registers a callback for topology events. It returns an
// unsubscribe function.
func (t *Topology) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Topology) mutableLocked(name string) (*cluster, error) {
	if t.frozen {
		return nil, fmt.Errorf("%w: update cluster %q", ErrFrozen, name)
	}
	c, ok := t.clusters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrClusterNotFound, name)
	}
	return c, nil
}

func (t *Topology) eventLocked(typ EventType, name string) Event {
	return Event{Type: typ, Cluster: name, Clusters: len(t.order), Nodes: t.nodes}
}

// notify releases the lock held by the caller and then delivers ev, so
// subscribers may read the topology without deadlocking.
func (t *Topology) notify(ev Event) {
	subs := make([]func(Event), 0, len(t.subs))
	for i := 0; i < t.nextSub; i++ {
		if fn, ok := t.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	metrics := t.metrics
	t.mu.Unlock()

	if metrics != nil {
		metrics.SetTopologyCounts(ev.Clusters, ev.Nodes)
	}
	for _, sub := range subs {
		sub(ev)
	}
}

func (c *cluster) snapshot() ClusterRecord {
	nodes := make([]NodeRecord, len(c.nodes))
	copy(nodes, c.nodes)
	return ClusterRecord{Name: c.name, Block: c.block, Nodes: nodes}
}
