package model

import (
	"fmt"
	"math"
)

// Vector is a position or velocity in metres (or metres per second).
type Vector struct {
	X float64
	Y float64
	Z float64
}

// Add returns v + o.
func (v Vector) Add(o Vector) Vector {
	return Vector{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns v - o.
func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Scale returns v multiplied by k.
func (v Vector) Scale(k float64) Vector {
	return Vector{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Norm returns the Euclidean length of v.
func (v Vector) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// DistanceTo returns the straight-line distance between two points.
func (v Vector) DistanceTo(o Vector) float64 {
	return v.Sub(o).Norm()
}

// Rectangle is an axis-aligned area in the XY plane.
type Rectangle struct {
	XMin float64
	XMax float64
	YMin float64
	YMax float64
}

// Area returns the rectangle's area; it is <= 0 for degenerate rectangles.
func (r Rectangle) Area() float64 {
	if r.XMax <= r.XMin || r.YMax <= r.YMin {
		return 0
	}
	return (r.XMax - r.XMin) * (r.YMax - r.YMin)
}

// Contains reports whether p lies inside r or on its border.
func (r Rectangle) Contains(p Vector) bool {
	return p.X >= r.XMin && p.X <= r.XMax && p.Y >= r.YMin && p.Y <= r.YMax
}

// Clamp moves p onto the closest point of r.
func (r Rectangle) Clamp(p Vector) Vector {
	p.X = math.Min(math.Max(p.X, r.XMin), r.XMax)
	p.Y = math.Min(math.Max(p.Y, r.YMin), r.YMax)
	return p
}

func (r Rectangle) String() string {
	return fmt.Sprintf("[%g,%g]x[%g,%g]", r.XMin, r.XMax, r.YMin, r.YMax)
}

// Range is a closed interval used by uniform random variables. A range
// with Min == Max is a constant.
type Range struct {
	Min float64
	Max float64
}

// Constant returns a degenerate range that always yields v.
func Constant(v float64) Range { return Range{Min: v, Max: v} }

// Valid reports whether Min <= Max and both are finite.
func (r Range) Valid() bool {
	return !math.IsNaN(r.Min) && !math.IsNaN(r.Max) &&
		!math.IsInf(r.Min, 0) && !math.IsInf(r.Max, 0) &&
		r.Min <= r.Max
}

// GridLayout places nodes on a regular grid, GridWidth nodes per row (or
// per column when RowFirst is false).
type GridLayout struct {
	MinX      float64
	MinY      float64
	DeltaX    float64
	DeltaY    float64
	GridWidth int
	RowFirst  bool
}

// DefaultGridLayout is the 3-wide row-first grid used by the stock scenario.
func DefaultGridLayout(minX, minY float64) GridLayout {
	return GridLayout{MinX: minX, MinY: minY, DeltaX: 5, DeltaY: 10, GridWidth: 3, RowFirst: true}
}

// Positions returns the first n grid positions.
func (g GridLayout) Positions(n int) []Vector {
	width := g.GridWidth
	if width <= 0 {
		width = 1
	}
	out := make([]Vector, 0, n)
	for i := 0; i < n; i++ {
		col, row := i%width, i/width
		if !g.RowFirst {
			col, row = row, col
		}
		out = append(out, Vector{
			X: g.MinX + float64(col)*g.DeltaX,
			Y: g.MinY + float64(row)*g.DeltaY,
		})
	}
	return out
}
