// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package geometry describes the obstacles of the workspace: axis-aligned boxes in physical units.
//
// It provides the scalar (non-differentiable) versions of the box computations, used by the
// simulator and for per-step diagnostics. The differentiable versions live in package guide.
package geometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Box is an immutable axis-aligned box given by its center and half-extents.
type Box struct {
	center, halfExtents r3.Vector
}

// NewBox creates a box from its center and half-extents. Half-extents must be non-negative.
func NewBox(center, halfExtents r3.Vector) (Box, error) {
	for axis, h := range ToSlice(halfExtents) {
		if h < 0 || math.IsNaN(h) || math.IsInf(h, 0) {
			return Box{}, errors.Errorf("geometry: half-extent on axis %d is %g, it must be finite and >= 0", axis, h)
		}
	}
	return Box{center: center, halfExtents: halfExtents}, nil
}

// BoxFromDims creates a box from its center and full dimensions (width, depth, height).
func BoxFromDims(center, dims r3.Vector) (Box, error) {
	return NewBox(center, dims.Mul(0.5))
}

// MustNewBox is like NewBox but panics on error. Used for static definitions.
func MustNewBox(center, halfExtents r3.Vector) Box {
	b, err := NewBox(center, halfExtents)
	if err != nil {
		panic(err)
	}
	return b
}

// Center of the box.
func (b Box) Center() r3.Vector { return b.center }

// HalfExtents of the box.
func (b Box) HalfExtents() r3.Vector { return b.halfExtents }

// Min returns the lowest corner.
func (b Box) Min() r3.Vector { return b.center.Sub(b.halfExtents) }

// Max returns the highest corner.
func (b Box) Max() r3.Vector { return b.center.Add(b.halfExtents) }

// IsZero returns whether the box was never set.
func (b Box) IsZero() bool { return b == Box{} }

// String implements fmt.Stringer.
func (b Box) String() string {
	return fmt.Sprintf("Box(center=%v, half=%v)", b.center, b.halfExtents)
}

// FaceDistances returns, per axis, |p - center| - halfExtent: negative inside the slab of that axis,
// positive outside.
func (b Box) FaceDistances(p r3.Vector) r3.Vector {
	return p.Sub(b.center).Abs().Sub(b.halfExtents)
}

// Penetration returns the per-axis squared hinge max(0, margin - d)^2 summed over the three axes,
// where d are the FaceDistances of p.
func (b Box) Penetration(p r3.Vector, margin float64) float64 {
	var total float64
	for _, d := range ToSlice(b.FaceDistances(p)) {
		if v := margin - d; v > 0 {
			total += v * v
		}
	}
	return total
}

// InViolation returns true if p is within margin of the box on all three axes.
func (b Box) InViolation(p r3.Vector, margin float64) bool {
	d := b.FaceDistances(p)
	return d.X < margin && d.Y < margin && d.Z < margin
}

// Contains returns whether p is inside the box (boundary included).
func (b Box) Contains(p r3.Vector) bool {
	return b.InViolation(p, math.SmallestNonzeroFloat64)
}

// ClosestPoint returns the point in the box closest to p. If p is inside, p is returned.
func (b Box) ClosestPoint(p r3.Vector) r3.Vector {
	lo, hi := b.Min(), b.Max()
	return r3.Vector{
		X: math.Max(lo.X, math.Min(p.X, hi.X)),
		Y: math.Max(lo.Y, math.Min(p.Y, hi.Y)),
		Z: math.Max(lo.Z, math.Min(p.Z, hi.Z)),
	}
}

// Clearance returns the euclidean distance from p to the box surface, and 0 if p is inside.
func (b Box) Clearance(p r3.Vector) float64 {
	return b.ClosestPoint(p).Distance(p)
}

// SegmentIntersects returns whether the segment from a to b crosses the (inflated by margin) box.
// It uses the slab method.
func (b Box) SegmentIntersects(from, to r3.Vector, margin float64) bool {
	lo := ToSlice(b.Min().Sub(r3.Vector{X: margin, Y: margin, Z: margin}))
	hi := ToSlice(b.Max().Add(r3.Vector{X: margin, Y: margin, Z: margin}))
	p0, dir := ToSlice(from), ToSlice(to.Sub(from))
	tMin, tMax := 0.0, 1.0
	for axis := range 3 {
		if math.Abs(dir[axis]) < 1e-12 {
			if p0[axis] < lo[axis] || p0[axis] > hi[axis] {
				return false
			}
			continue
		}
		t0 := (lo[axis] - p0[axis]) / dir[axis]
		t1 := (hi[axis] - p0[axis]) / dir[axis]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tMin, tMax = math.Max(tMin, t0), math.Min(tMax, t1)
		if tMin > tMax {
			return false
		}
	}
	return true
}

// Vec creates an r3.Vector from the first three values of s.
func Vec(s []float64) r3.Vector {
	return r3.Vector{X: s[0], Y: s[1], Z: s[2]}
}

// ToSlice converts v to a []float64{X, Y, Z}.
func ToSlice(v r3.Vector) []float64 {
	return []float64{v.X, v.Y, v.Z}
}
