package sim

import (
	"fmt"
	"math"
	"time"

	"github.com/iti/rngstream"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/model"
	"github.com/signalsfoundry/manet-simulator/timectrl"
)

// node is a simulated host. Its motion is piecewise linear: between course
// changes a node moves from origin at constant velocity.
type node struct {
	id      core.NodeID
	policy  model.MobilityPolicy
	rng     *rngstream.RngStream
	routing model.Routing
	devices []*device

	origin   model.Vector
	velocity model.Vector // m/s
	legStart time.Duration

	subs []func(model.Vector)
}

func newNode(id core.NodeID) *node {
	return &node{id: id}
}

func (n *node) position(t time.Duration) model.Vector {
	dt := timectrl.ToSeconds(t - n.legStart)
	if dt <= 0 || n.velocity == (model.Vector{}) {
		return n.origin
	}
	return n.origin.Add(n.velocity.Scale(dt))
}

// rebase freezes the current position as the new origin.
func (n *node) rebase(t time.Duration) {
	n.origin = n.position(t)
	n.legStart = t
}

func (n *node) uniform(r model.Range) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + n.rng.RandU01()*(r.Max-r.Min)
}

// ---- core.MobilityEngine ----

// SetPolicy places node at initial and starts its motion at t=0. A node's
// policy is set once.
func (e *Engine) SetPolicy(id core.NodeID, initial model.Vector, policy model.MobilityPolicy) error {
	if err := e.check(); err != nil {
		return err
	}
	n, err := e.node(id)
	if err != nil {
		return err
	}
	if policy == nil {
		return fmt.Errorf("node %d: nil mobility policy", id)
	}
	if n.policy != nil {
		return fmt.Errorf("node %d already has a %s policy", id, n.policy.Kind())
	}
	rng, err := e.nodeStream(id)
	if err != nil {
		return err
	}
	n.policy = policy
	n.origin = initial
	n.rng = rng

	switch p := policy.(type) {
	case model.StaticPolicy:
	case model.RandomWaypointPolicy:
		e.at(0, func() { e.waypointLeg(n, p) })
	case model.RandomWalk2DPolicy:
		e.at(0, func() { e.walkTurn(n, p) })
	default:
		return fmt.Errorf("node %d: unsupported mobility policy %T", id, policy)
	}
	return nil
}

// streamSeedLimit keeps every seed component below the smaller rngstream
// modulus.
const streamSeedLimit = 4294944443 - 6

// nodeStream returns the stream for node id: substream id of a stream
// seeded from the engine seed. The package-global rngstream seed is never
// read or advanced, so each engine replays on its own.
func (e *Engine) nodeStream(id core.NodeID) (*rngstream.RngStream, error) {
	base := e.seed % streamSeedLimit
	seed := make([]uint64, 6)
	for i := range seed {
		seed[i] = base + uint64(i)
	}
	g := new(rngstream.RngStream)
	if !g.SetSeed(seed) {
		return nil, fmt.Errorf("node %d: invalid stream seed %d", id, e.seed)
	}
	for i := uint64(0); i < uint64(id); i++ {
		g.ResetNextSubstream()
	}
	return g, nil
}

// OnCourseChange subscribes fn to node's course changes. Subscriptions are
// only accepted once the node has a policy.
func (e *Engine) OnCourseChange(id core.NodeID, fn func(model.Vector)) error {
	if err := e.check(); err != nil {
		return err
	}
	n, err := e.node(id)
	if err != nil {
		return err
	}
	if n.policy == nil {
		return fmt.Errorf("node %d has no mobility policy", id)
	}
	n.subs = append(n.subs, fn)
	return nil
}

func (e *Engine) courseChanged(n *node) {
	pos := n.position(e.Now())
	for _, fn := range n.subs {
		fn(pos)
	}
}

// waypointLeg draws a waypoint and speed and heads toward it.
func (e *Engine) waypointLeg(n *node, p model.RandomWaypointPolicy) {
	now := e.Now()
	n.rebase(now)
	target := model.Vector{
		X: n.uniform(model.Range{Min: p.Bounds.XMin, Max: p.Bounds.XMax}),
		Y: n.uniform(model.Range{Min: p.Bounds.YMin, Max: p.Bounds.YMax}),
		Z: n.origin.Z,
	}
	speed := n.uniform(p.Speed)
	if speed <= 0 {
		speed = p.Speed.Max
	}
	dist := n.origin.DistanceTo(target)
	travel := timectrl.Seconds(dist / speed)
	if travel > 0 {
		n.velocity = target.Sub(n.origin).Scale(1 / timectrl.ToSeconds(travel))
	} else {
		n.velocity = model.Vector{}
	}
	e.courseChanged(n)

	e.at(now+travel, func() {
		arrived := e.Now()
		n.origin = target
		n.velocity = model.Vector{}
		n.legStart = arrived
		e.courseChanged(n)
		pause := timectrl.Seconds(n.uniform(p.Pause))
		e.at(arrived+pause, func() { e.waypointLeg(n, p) })
	})
}

// walkTurn picks a new heading and speed and walks for one period or
// distance, reflecting off the bounds.
func (e *Engine) walkTurn(n *node, p model.RandomWalk2DPolicy) {
	now := e.Now()
	n.rebase(now)
	n.origin = p.Bounds.Clamp(n.origin)
	speed := n.uniform(p.Speed)
	heading := 2 * math.Pi * n.rng.RandU01()
	n.velocity = model.Vector{X: speed * math.Cos(heading), Y: speed * math.Sin(heading)}
	e.courseChanged(n)

	var leg time.Duration
	switch p.Mode {
	case model.WalkModeDistance:
		if speed <= 0 {
			leg = time.Second
		} else {
			leg = timectrl.Seconds(p.Distance / speed)
		}
	default:
		leg = p.Period
	}
	if leg <= 0 {
		leg = time.Second
	}
	e.walkSegment(n, p, now+leg)
}

// walkSegment schedules either the next wall bounce or, if none happens
// before end, the next turn.
func (e *Engine) walkSegment(n *node, p model.RandomWalk2DPolicy, end time.Duration) {
	now := e.Now()
	hit, flipX, flipY := wallHit(n.position(now), n.velocity, p.Bounds)
	if math.IsInf(hit, 1) || now+timectrl.Seconds(hit) >= end {
		e.at(end, func() { e.walkTurn(n, p) })
		return
	}
	bounce := now + timectrl.Seconds(hit)
	if bounce <= now {
		bounce = now + time.Microsecond
	}
	e.at(bounce, func() {
		t := e.Now()
		n.rebase(t)
		n.origin = p.Bounds.Clamp(n.origin)
		if flipX {
			n.velocity.X = -n.velocity.X
		}
		if flipY {
			n.velocity.Y = -n.velocity.Y
		}
		e.courseChanged(n)
		e.walkSegment(n, p, end)
	})
}

// wallHit returns the seconds until pos, moving at v, leaves b, and which
// velocity components must be reflected there.
func wallHit(pos, v model.Vector, b model.Rectangle) (float64, bool, bool) {
	tx, ty := math.Inf(1), math.Inf(1)
	switch {
	case v.X > 0:
		tx = (b.XMax - pos.X) / v.X
	case v.X < 0:
		tx = (b.XMin - pos.X) / v.X
	}
	switch {
	case v.Y > 0:
		ty = (b.YMax - pos.Y) / v.Y
	case v.Y < 0:
		ty = (b.YMin - pos.Y) / v.Y
	}
	if tx < 0 {
		tx = 0
	}
	if ty < 0 {
		ty = 0
	}
	const eps = 1e-9
	switch {
	case math.Abs(tx-ty) < eps:
		return tx, true, true
	case tx < ty:
		return tx, true, false
	default:
		return ty, false, true
	}
}
