package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned by MobilityPolicy.Validate.
var ErrInvalidPolicy = errors.New("invalid mobility policy")

// MobilityKind identifies a MobilityPolicy variant.
type MobilityKind int

const (
	MobilityStatic MobilityKind = iota
	MobilityRandomWaypoint
	MobilityRandomWalk2D
)

func (k MobilityKind) String() string {
	switch k {
	case MobilityStatic:
		return "static"
	case MobilityRandomWaypoint:
		return "random-waypoint"
	case MobilityRandomWalk2D:
		return "random-walk-2d"
	default:
		return fmt.Sprintf("MobilityKind(%d)", int(k))
	}
}

// ParseMobilityKind maps the descriptor spelling of a policy kind.
func ParseMobilityKind(s string) (MobilityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static", "constant-position":
		return MobilityStatic, nil
	case "random-waypoint", "waypoint", "rwp":
		return MobilityRandomWaypoint, nil
	case "random-walk-2d", "random-walk", "walk":
		return MobilityRandomWalk2D, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidPolicy, s)
	}
}

// MobilityPolicy is the closed set of rules governing how a node moves.
// The only implementations are StaticPolicy, RandomWaypointPolicy and
// RandomWalk2DPolicy.
type MobilityPolicy interface {
	Kind() MobilityKind
	// Validate checks the policy for a cluster of the given size.
	Validate(size int) error
	// InitialPositions returns one starting position per node.
	InitialPositions(size int) []Vector

	isMobilityPolicy()
}

// StaticPolicy pins every node at a fixed position.
type StaticPolicy struct {
	Positions []Vector
}

func (StaticPolicy) Kind() MobilityKind { return MobilityStatic }
func (StaticPolicy) isMobilityPolicy()  {}

func (p StaticPolicy) Validate(size int) error {
	if len(p.Positions) != size {
		return fmt.Errorf("%w: static policy has %d positions for %d nodes", ErrInvalidPolicy, len(p.Positions), size)
	}
	return nil
}

func (p StaticPolicy) InitialPositions(size int) []Vector {
	out := make([]Vector, size)
	copy(out, p.Positions)
	return out
}

// RandomWaypointPolicy moves each node toward a uniformly drawn waypoint
// inside Bounds at a uniformly drawn speed, then pauses.
type RandomWaypointPolicy struct {
	Speed  Range // m/s
	Pause  Range // seconds
	Bounds Rectangle
	Layout GridLayout
}

func (RandomWaypointPolicy) Kind() MobilityKind { return MobilityRandomWaypoint }
func (RandomWaypointPolicy) isMobilityPolicy()  {}

func (p RandomWaypointPolicy) Validate(size int) error {
	if err := checkSpeed(p.Speed); err != nil {
		return err
	}
	if !p.Pause.Valid() || p.Pause.Min < 0 {
		return fmt.Errorf("%w: pause range [%g,%g] is degenerate", ErrInvalidPolicy, p.Pause.Min, p.Pause.Max)
	}
	if p.Bounds.Area() <= 0 {
		return fmt.Errorf("%w: bounds %s have no area", ErrInvalidPolicy, p.Bounds)
	}
	return nil
}

func (p RandomWaypointPolicy) InitialPositions(size int) []Vector {
	return p.Layout.Positions(size)
}

// WalkMode selects when a random walk picks a new direction.
type WalkMode int

const (
	// WalkModeTime changes direction every Period.
	WalkModeTime WalkMode = iota
	// WalkModeDistance changes direction after travelling Distance metres.
	WalkModeDistance
)

func (m WalkMode) String() string {
	if m == WalkModeDistance {
		return "distance"
	}
	return "time"
}

// ParseWalkMode maps the descriptor spelling of a walk mode.
func ParseWalkMode(s string) (WalkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "time":
		return WalkModeTime, nil
	case "distance":
		return WalkModeDistance, nil
	default:
		return 0, fmt.Errorf("%w: unknown walk mode %q", ErrInvalidPolicy, s)
	}
}

// RandomWalk2DPolicy moves each node in a uniformly random direction at a
// uniformly drawn speed, reflecting off Bounds.
type RandomWalk2DPolicy struct {
	Mode     WalkMode
	Period   time.Duration // WalkModeTime
	Distance float64       // WalkModeDistance, metres
	Speed    Range
	Bounds   Rectangle
	Layout   GridLayout
}

func (RandomWalk2DPolicy) Kind() MobilityKind { return MobilityRandomWalk2D }
func (RandomWalk2DPolicy) isMobilityPolicy()  {}

func (p RandomWalk2DPolicy) Validate(size int) error {
	if err := checkSpeed(p.Speed); err != nil {
		return err
	}
	switch p.Mode {
	case WalkModeTime:
		if p.Period <= 0 {
			return fmt.Errorf("%w: walk period %s must be positive", ErrInvalidPolicy, p.Period)
		}
	case WalkModeDistance:
		if p.Distance <= 0 {
			return fmt.Errorf("%w: walk distance %g must be positive", ErrInvalidPolicy, p.Distance)
		}
	default:
		return fmt.Errorf("%w: unknown walk mode %d", ErrInvalidPolicy, int(p.Mode))
	}
	if p.Bounds.Area() <= 0 {
		return fmt.Errorf("%w: bounds %s have no area", ErrInvalidPolicy, p.Bounds)
	}
	// Reflection only works from inside the walls.
	for i, pos := range p.InitialPositions(size) {
		if !p.Bounds.Contains(pos) {
			return fmt.Errorf("%w: node %d starts at (%g, %g) outside bounds %s", ErrInvalidPolicy, i, pos.X, pos.Y, p.Bounds)
		}
	}
	return nil
}

func (p RandomWalk2DPolicy) InitialPositions(size int) []Vector {
	return p.Layout.Positions(size)
}

func checkSpeed(r Range) error {
	if !r.Valid() || r.Min < 0 || r.Max <= 0 {
		return fmt.Errorf("%w: speed range [%g,%g] is degenerate", ErrInvalidPolicy, r.Min, r.Max)
	}
	return nil
}
