// Package enginetest provides a scripted in-memory core.Engine for tests.
package enginetest

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/model"
)

// CourseChangePeriod is how often moving nodes report a course change
// while the fake engine runs.
const CourseChangePeriod = 5 * time.Second

// Engine is a test-only implementation of core.Engine. It records every
// call in order, counts the handles it hands out, and replays application
// activity on its own event queue when Run is called.
//
// Failures are injected per method name with FailOn.
type Engine struct {
	mu sync.Mutex

	now    time.Duration
	stopAt time.Duration
	events []*fakeEvent

	calls []string
	fail  map[string]error

	nextHandle uint64
	allocated  int
	released   bool
	ran        bool

	policies  map[core.NodeID]model.MobilityPolicy
	positions map[core.NodeID]model.Vector
	subs      map[core.NodeID][]func(model.Vector)

	deviceNode map[core.DeviceID]core.NodeID
	addrs      map[netip.Addr]core.NodeID

	apps       []*App
	captures   []string
	eventLogs  []string
	animations []*Animation
}

type fakeEvent struct {
	when time.Duration
	f    func()
}

// New constructs an empty fake engine.
func New() *Engine {
	return &Engine{
		fail:       make(map[string]error),
		policies:   make(map[core.NodeID]model.MobilityPolicy),
		positions:  make(map[core.NodeID]model.Vector),
		subs:       make(map[core.NodeID][]func(model.Vector)),
		deviceNode: make(map[core.DeviceID]core.NodeID),
		addrs:      make(map[netip.Addr]core.NodeID),
	}
}

var _ core.Engine = (*Engine)(nil)

// FailOn makes the named method (e.g. "Run", "CreateNodes") return err.
func (e *Engine) FailOn(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[method] = err
}

// Calls returns the method names invoked so far, in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Allocated returns how many handles (nodes, channels, devices,
// applications) were handed out over the engine's lifetime.
func (e *Engine) Allocated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocated
}

// Destroyed reports whether Destroy has been called.
func (e *Engine) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Apps returns the installed applications in installation order.
func (e *Engine) Apps() []*App {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*App(nil), e.apps...)
}

// Captures returns the capture names enabled so far.
func (e *Engine) Captures() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.captures...)
}

// EventLogs returns the event-log streams enabled so far.
func (e *Engine) EventLogs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.eventLogs...)
}

// Animations returns the animation exporters created so far.
func (e *Engine) Animations() []*Animation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Animation(nil), e.animations...)
}

// Policy returns the mobility policy assigned to node, if any.
func (e *Engine) Policy(node core.NodeID) (model.MobilityPolicy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[node]
	return p, ok
}

// InjectCourseChange moves node to pos and notifies its subscribers
// synchronously, as a mobility engine would.
func (e *Engine) InjectCourseChange(node core.NodeID, pos model.Vector) {
	e.mu.Lock()
	e.positions[node] = pos
	subs := append([]func(model.Vector){}, e.subs[node]...)
	e.mu.Unlock()

	for _, fn := range subs {
		fn(pos)
	}
}

func (e *Engine) record(method string) error {
	e.calls = append(e.calls, method)
	if e.released && method != "Destroy" {
		return fmt.Errorf("%s after Destroy", method)
	}
	return e.fail[method]
}

func (e *Engine) handle() uint64 {
	e.nextHandle++
	e.allocated++
	return e.nextHandle
}

// ---- core.Scheduler ----

// Run executes queued events in time order up to stop (or the time given
// to Stop, if earlier).
func (e *Engine) Run(stop time.Duration) error {
	e.mu.Lock()
	if err := e.record("Run"); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.ran {
		e.mu.Unlock()
		return errors.New("Run called twice")
	}
	e.ran = true
	if e.stopAt > 0 && e.stopAt < stop {
		stop = e.stopAt
	}
	e.scheduleMobilityLocked(stop)
	for _, app := range e.apps {
		e.scheduleAppLocked(app, stop)
	}
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.events) == 0 || e.events[0].when > stop {
			e.now = stop
			e.mu.Unlock()
			return nil
		}
		ev := e.events[0]
		e.events = e.events[1:]
		e.now = ev.when
		f := ev.f
		e.mu.Unlock()

		f()
	}
}

// Stop records the requested stop time.
func (e *Engine) Stop(at time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.record("Stop")
	e.stopAt = at
}

// Destroy releases every handle.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("Destroy"); err != nil {
		return err
	}
	e.released = true
	e.events = nil
	e.subs = make(map[core.NodeID][]func(model.Vector))
	return nil
}

// Now returns the fake simulation time.
func (e *Engine) Now() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// atLocked inserts f into the queue in time order; equal times keep
// insertion order.
func (e *Engine) atLocked(when time.Duration, f func()) {
	ev := &fakeEvent{when: when, f: f}
	for i, existing := range e.events {
		if when < existing.when {
			e.events = append(e.events[:i], append([]*fakeEvent{ev}, e.events[i:]...)...)
			return
		}
	}
	e.events = append(e.events, ev)
}

// scheduleMobilityLocked reports a course change for every moving node at
// t=0 and then every CourseChangePeriod.
func (e *Engine) scheduleMobilityLocked(stop time.Duration) {
	for node, policy := range e.policies {
		if policy.Kind() == model.MobilityStatic {
			continue
		}
		node := node
		for t := time.Duration(0); t < stop; t += CourseChangePeriod {
			step := float64(t / CourseChangePeriod)
			e.atLocked(t, func() {
				e.mu.Lock()
				pos := e.positions[node]
				e.mu.Unlock()
				e.InjectCourseChange(node, model.Vector{X: pos.X + step, Y: pos.Y, Z: pos.Z})
			})
		}
	}
}

func (e *Engine) scheduleAppLocked(app *App, stop time.Duration) {
	if !app.Kind.IsSender() || !app.started {
		return
	}
	end := app.StopAt
	if !app.stopped || end > stop {
		end = stop
	}
	var times []time.Duration
	switch app.Kind {
	case core.AppOnOff:
		gap := app.Params.Rate.TransmitTime(app.Params.PacketSize)
		if gap <= 0 {
			return
		}
		for t := app.StartAt; t < end; t += gap {
			times = append(times, t)
		}
	case core.AppEchoClient:
		for k := 0; k < app.Params.MaxPackets; k++ {
			t := app.StartAt + time.Duration(k)*app.Params.Interval
			if t >= end {
				break
			}
			times = append(times, t)
		}
	}
	for _, t := range times {
		t := t
		e.atLocked(t, func() { e.send(app, t) })
	}
}

func (e *Engine) send(app *App, t time.Duration) {
	e.mu.Lock()
	app.Sent = append(app.Sent, t)
	dstNode, ok := e.addrs[app.Endpoint.Addr()]
	var receiver *App
	if ok {
		for _, r := range e.apps {
			if !r.Kind.IsSender() && r.Node == dstNode && r.Endpoint.Port() == app.Endpoint.Port() && r.active(t) {
				receiver = r
				break
			}
		}
	}
	if receiver != nil {
		receiver.Received = append(receiver.Received, t)
	}
	e.mu.Unlock()
}

// ---- core.NodeFactory / core.MobilityEngine ----

// CreateNodes allocates n node handles.
func (e *Engine) CreateNodes(n int) ([]core.NodeID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("CreateNodes"); err != nil {
		return nil, err
	}
	ids := make([]core.NodeID, n)
	for i := range ids {
		ids[i] = core.NodeID(e.handle())
	}
	return ids, nil
}

// SetPolicy installs a mobility policy and initial position.
func (e *Engine) SetPolicy(node core.NodeID, initial model.Vector, policy model.MobilityPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("SetPolicy"); err != nil {
		return err
	}
	e.policies[node] = policy
	e.positions[node] = initial
	return nil
}

// OnCourseChange subscribes fn to node's course changes. The node must
// already have a mobility policy.
func (e *Engine) OnCourseChange(node core.NodeID, fn func(model.Vector)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("OnCourseChange"); err != nil {
		return err
	}
	if _, ok := e.policies[node]; !ok {
		return fmt.Errorf("node %d has no mobility policy", node)
	}
	e.subs[node] = append(e.subs[node], fn)
	return nil
}

// ---- channel, wireless, stack, addressing ----

// CreateChannel allocates the shared channel.
func (e *Engine) CreateChannel(model.WirelessConfig) (core.ChannelHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("CreateChannel"); err != nil {
		return 0, err
	}
	return core.ChannelHandle(e.handle()), nil
}

// InstallWireless allocates one device per node.
func (e *Engine) InstallWireless(_ core.ChannelHandle, _ model.MAC, nodes []core.NodeID) (core.DeviceSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("InstallWireless"); err != nil {
		return nil, err
	}
	devs := make(core.DeviceSet, len(nodes))
	for i, n := range nodes {
		devs[i] = core.DeviceID(e.handle())
		e.deviceNode[devs[i]] = n
	}
	return devs, nil
}

// InstallStack records the routing protocol installation.
func (e *Engine) InstallStack([]core.NodeID, model.Routing) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record("InstallStack")
}

// Assign numbers devices sequentially from the first host of block.
func (e *Engine) Assign(devices core.DeviceSet, block netip.Prefix) (core.InterfaceSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("Assign"); err != nil {
		return nil, err
	}
	out := make(core.InterfaceSet, len(devices))
	addr := block.Masked().Addr()
	for i, d := range devices {
		addr = addr.Next()
		out[i] = addr
		e.addrs[addr] = e.deviceNode[d]
	}
	return out, nil
}

// ---- traffic ----

// InstallApplication installs an application on node.
func (e *Engine) InstallApplication(kind core.AppKind, endpoint netip.AddrPort, params core.AppParams, node core.NodeID) (core.ApplicationHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("InstallApplication"); err != nil {
		return nil, err
	}
	e.handle()
	app := &App{Kind: kind, Endpoint: endpoint, Params: params, Node: node}
	e.apps = append(e.apps, app)
	return app, nil
}

// App is an installed fake application.
type App struct {
	Kind     core.AppKind
	Endpoint netip.AddrPort
	Params   core.AppParams
	Node     core.NodeID

	StartAt time.Duration
	StopAt  time.Duration
	started bool
	stopped bool

	// Sent holds send times (senders); Received holds delivery times
	// (receivers).
	Sent     []time.Duration
	Received []time.Duration
}

// Start sets the activation time.
func (a *App) Start(at time.Duration) {
	a.StartAt = at
	a.started = true
}

// Stop sets the deactivation time.
func (a *App) Stop(at time.Duration) {
	a.StopAt = at
	a.stopped = true
}

func (a *App) active(t time.Duration) bool {
	return a.started && t >= a.StartAt && (!a.stopped || t <= a.StopAt)
}

// ---- traces ----

// EnableCapture records a capture and returns "<name>.pcap".
func (e *Engine) EnableCapture(name string, _ core.DeviceSet) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("EnableCapture"); err != nil {
		return "", err
	}
	e.captures = append(e.captures, name)
	return name + ".pcap", nil
}

// EnableEventLog records an event-log stream.
func (e *Engine) EnableEventLog(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("EnableEventLog"); err != nil {
		return "", err
	}
	e.eventLogs = append(e.eventLogs, name)
	return name, nil
}

// NewAnimation creates an animation exporter.
func (e *Engine) NewAnimation(path string) (core.AnimationExporter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("NewAnimation"); err != nil {
		return nil, err
	}
	a := &Animation{path: path}
	e.animations = append(e.animations, a)
	return a, nil
}

// Animation is a fake animation exporter.
type Animation struct {
	path     string
	Metadata bool
}

// EnableMetadata toggles packet metadata.
func (a *Animation) EnableMetadata(enabled bool) { a.Metadata = enabled }

// Path returns the output path.
func (a *Animation) Path() string { return a.path }
