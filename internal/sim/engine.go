// Package sim is an in-process discrete-event implementation of
// core.Engine. Events run on an evtm.EventManager; nodes move under their
// mobility policies, datagrams are routed hop by hop over a unit-disk
// reachability graph, and traces are written to an output directory.
//
// An Engine is single-threaded. Build it, Run it once, then Destroy it.
package sim

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/internal/observability"
	"github.com/signalsfoundry/manet-simulator/model"
	"github.com/signalsfoundry/manet-simulator/timectrl"
)

var (
	// ErrDestroyed is returned by every call made after Destroy.
	ErrDestroyed = errors.New("engine destroyed")
	// ErrUnknownHandle is returned when a call names a handle this engine
	// did not create.
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrAlreadyRan is returned by a second Run.
	ErrAlreadyRan = errors.New("engine already ran")
)

const (
	// DefaultSampleInterval is how often node positions are sampled for
	// the animation and the pacing clock is advanced.
	DefaultSampleInterval = 500 * time.Millisecond
	// DefaultSeed seeds the mobility streams when WithSeed is not given.
	DefaultSeed uint64 = 12345
	// propagationSpeed is the speed of light in m/s.
	propagationSpeed = 299_792_458.0
	// headerBytes is the IPv4 plus UDP header overhead added to every
	// payload on the air.
	headerBytes = 28
)

// Engine implements core.Engine.
type Engine struct {
	mgr     *evtm.EventManager
	log     logging.Logger
	metrics *observability.EngineCollector
	clock   *timectrl.TimeController
	outDir  string
	sample  time.Duration
	seed    uint64

	nextHandle uint64
	allocated  int
	scheduled  int

	nodes     map[core.NodeID]*node
	nodeOrder []*node
	channels  map[core.ChannelHandle]*channel
	devices   map[core.DeviceID]*device
	byAddr    map[netip.Addr]*device
	apps      []*application
	nextPort  uint16

	captures  []*capture
	eventLog  *eventLog
	animation *Animation

	limit     time.Duration
	stopAt    time.Duration
	ran       bool
	destroyed bool
}

var _ core.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithOutputDir sets where trace files are written. The directory is
// created on first use.
func WithOutputDir(dir string) Option {
	return func(e *Engine) {
		e.outDir = dir
	}
}

// WithLogger sets the engine logger.
func WithLogger(log logging.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics records packet and scheduler metrics.
func WithMetrics(c *observability.EngineCollector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// WithClock paces the run with tc and drives animation sampling from its
// listeners.
func WithClock(tc *timectrl.TimeController) Option {
	return func(e *Engine) {
		e.clock = tc
	}
}

// WithSampleInterval overrides DefaultSampleInterval.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sample = d
		}
	}
}

// WithSeed sets the seed of the per-node mobility streams. Engines built
// with the same seed replay the same motion.
func WithSeed(seed uint64) Option {
	return func(e *Engine) {
		e.seed = seed
	}
}

// New constructs an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		mgr:      evtm.New(),
		log:      logging.Noop(),
		outDir:   ".",
		sample:   DefaultSampleInterval,
		seed:     DefaultSeed,
		nodes:    make(map[core.NodeID]*node),
		channels: make(map[core.ChannelHandle]*channel),
		devices:  make(map[core.DeviceID]*device),
		byAddr:   make(map[netip.Addr]*device),
		nextPort: 49152,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = timectrl.NewTimeController(e.sample, timectrl.Accelerated)
	}
	return e
}

// Allocated returns how many handles (nodes, channels, devices and
// applications) were handed out over the engine's lifetime.
func (e *Engine) Allocated() int { return e.allocated }

// Now returns the current simulation time.
func (e *Engine) Now() time.Duration {
	return timectrl.Seconds(e.mgr.CurrentSeconds())
}

func (e *Engine) handle() uint64 {
	e.nextHandle++
	e.allocated++
	return e.nextHandle
}

func (e *Engine) check() error {
	if e.destroyed {
		return ErrDestroyed
	}
	return nil
}

// at schedules fn at absolute simulation time t. Events due after the run
// limit are dropped when they fire.
func (e *Engine) at(t time.Duration, fn func()) {
	delay := timectrl.ToSeconds(t) - e.mgr.CurrentSeconds()
	if delay < 0 {
		delay = 0
	}
	e.scheduled++
	e.metrics.SetEventsScheduled(e.scheduled)
	e.mgr.Schedule(nil, nil, func(*evtm.EventManager, any, any) any {
		e.scheduled--
		if e.destroyed || (e.limit > 0 && e.Now() > e.limit) {
			return nil
		}
		e.metrics.SetSimTime(e.mgr.CurrentSeconds())
		fn()
		return nil
	}, vrtime.SecondsToTime(delay))
}

func (e *Engine) outputPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	if err := os.MkdirAll(e.outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	return filepath.Join(e.outDir, name), nil
}

// ---- core.Scheduler ----

// Stop sets the time at which Run returns.
func (e *Engine) Stop(at time.Duration) {
	e.stopAt = at
}

// Run executes events until stop, or the time given to Stop if earlier.
func (e *Engine) Run(stop time.Duration) error {
	if err := e.check(); err != nil {
		return err
	}
	if e.ran {
		return ErrAlreadyRan
	}
	e.ran = true
	if e.stopAt > 0 && e.stopAt < stop {
		stop = e.stopAt
	}
	if stop <= 0 {
		return fmt.Errorf("run limit %s is not positive", stop)
	}
	e.limit = stop

	for _, app := range e.apps {
		e.scheduleApp(app)
	}
	e.clock.AddListener(e.sampleAnimation)
	for t := time.Duration(0); t <= stop; t += e.sample {
		t := t
		e.at(t, func() { e.clock.Advance(t) })
	}

	e.log.Debug(context.Background(), "engine running",
		logging.Duration("stop", stop),
		logging.Int("nodes", len(e.nodeOrder)),
		logging.Int("applications", len(e.apps)),
	)
	e.mgr.Run(timectrl.ToSeconds(stop))
	return nil
}

// Destroy flushes and closes every trace output and releases all handles.
// It is safe to call more than once.
func (e *Engine) Destroy() error {
	if e.destroyed {
		return nil
	}
	e.destroyed = true

	var errs []error
	for _, c := range e.captures {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.eventLog != nil {
		if err := e.eventLog.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.animation != nil {
		if err := e.animation.write(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, n := range e.nodeOrder {
		n.subs = nil
	}
	e.nodes = make(map[core.NodeID]*node)
	e.nodeOrder = nil
	e.channels = make(map[core.ChannelHandle]*channel)
	e.devices = make(map[core.DeviceID]*device)
	e.byAddr = make(map[netip.Addr]*device)
	return errors.Join(errs...)
}

// ---- core.NodeFactory ----

// CreateNodes allocates n nodes at the origin with no mobility.
func (e *Engine) CreateNodes(n int) ([]core.NodeID, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("negative node count %d", n)
	}
	ids := make([]core.NodeID, n)
	for i := range ids {
		id := core.NodeID(e.handle())
		nd := newNode(id)
		e.nodes[id] = nd
		e.nodeOrder = append(e.nodeOrder, nd)
		ids[i] = id
	}
	return ids, nil
}

func (e *Engine) node(id core.NodeID) (*node, error) {
	n, ok := e.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: node %d", ErrUnknownHandle, id)
	}
	return n, nil
}

// Position returns node's position at the current simulation time.
func (e *Engine) Position(id core.NodeID) (model.Vector, bool) {
	n, ok := e.nodes[id]
	if !ok {
		return model.Vector{}, false
	}
	return n.position(e.Now()), true
}

// ---- core.ChannelFactory / core.WirelessStack / core.NetworkStack ----

// CreateChannel creates a shared medium with cfg's PHY rate and range.
func (e *Engine) CreateChannel(cfg model.WirelessConfig) (core.ChannelHandle, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	rate, err := model.DataModeRate(cfg.DataMode)
	if err != nil {
		return 0, err
	}
	h := core.ChannelHandle(e.handle())
	e.channels[h] = &channel{id: h, cfg: cfg, rate: rate}
	return h, nil
}

// InstallWireless attaches one ad-hoc device per node to ch.
func (e *Engine) InstallWireless(ch core.ChannelHandle, mac model.MAC, nodes []core.NodeID) (core.DeviceSet, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	c, ok := e.channels[ch]
	if !ok {
		return nil, fmt.Errorf("%w: channel %d", ErrUnknownHandle, ch)
	}
	if mac != model.MACAdhoc {
		return nil, fmt.Errorf("unsupported MAC %q", mac)
	}
	for _, id := range nodes {
		if _, err := e.node(id); err != nil {
			return nil, err
		}
	}
	devs := make(core.DeviceSet, len(nodes))
	for i, id := range nodes {
		d := &device{id: core.DeviceID(e.handle()), node: e.nodes[id], ch: c}
		e.devices[d.id] = d
		d.node.devices = append(d.node.devices, d)
		c.devices = append(c.devices, d)
		devs[i] = d.id
	}
	return devs, nil
}

// InstallStack enables IPv4 forwarding with routing on nodes.
func (e *Engine) InstallStack(nodes []core.NodeID, routing model.Routing) error {
	if err := e.check(); err != nil {
		return err
	}
	for _, id := range nodes {
		n, err := e.node(id)
		if err != nil {
			return err
		}
		if n.routing != "" {
			return fmt.Errorf("node %d already has a %s stack", id, n.routing)
		}
		n.routing = routing
	}
	return nil
}

// Assign numbers devices sequentially from the first host of block.
func (e *Engine) Assign(devices core.DeviceSet, block netip.Prefix) (core.InterfaceSet, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	plan, err := core.PlanAddresses(block, len(devices))
	if err != nil {
		return nil, err
	}
	for i, id := range devices {
		d, ok := e.devices[id]
		if !ok {
			return nil, fmt.Errorf("%w: device %d", ErrUnknownHandle, id)
		}
		if d.addr.IsValid() {
			return nil, fmt.Errorf("device %d already has address %s", id, d.addr)
		}
		if _, taken := e.byAddr[plan[i]]; taken {
			return nil, fmt.Errorf("address %s is already assigned", plan[i])
		}
	}
	for i, id := range devices {
		d := e.devices[id]
		d.addr = plan[i]
		e.byAddr[d.addr] = d
	}
	return core.InterfaceSet(plan), nil
}
