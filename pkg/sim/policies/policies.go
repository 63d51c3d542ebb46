// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package policies holds scripted expert policies for the sim tasks, used to collect demonstrations.
//
// The policies only read the observation, plus the wall of the environment (if any), which they
// route around by climbing over it.
package policies

import (
	"github.com/golang/geo/r3"
	"github.com/gomlx/guidedplanner/pkg/geometry"
	"github.com/gomlx/guidedplanner/pkg/sim"
	"github.com/pkg/errors"
)

// Policy maps an observation to an action.
type Policy interface {
	Action(observation []float64) []float64
}

// PolicyFn adapts a function to the Policy interface.
type PolicyFn func(observation []float64) []float64

// Action implements Policy.
func (fn PolicyFn) Action(observation []float64) []float64 { return fn(observation) }

const (
	// Gain converts a position error (in meters) to a unit action.
	Gain = 25.0

	// WallClearance is how far above the wall top the hand travels when crossing it.
	WallClearance = 0.06

	// hoverHeight is the height above the object from where the hand descends to grasp.
	hoverHeight = 0.1

	// alignTolerance is the distance under which the hand is considered on a waypoint.
	alignTolerance = 0.015
)

// For returns the scripted policy for the environment's task.
func For(env sim.Environment) (Policy, error) {
	task, err := sim.Lookup(env.Name())
	if err != nil {
		return nil, err
	}
	var wall *geometry.Box
	if box, ok := env.Obstacle(); ok {
		wall = &box
	}
	switch task.Kind {
	case sim.Reach:
		return NewReach(wall), nil
	case sim.Push:
		return NewPush(wall), nil
	case sim.PickPlace:
		return NewPickPlace(wall), nil
	}
	return nil, errors.Errorf("no scripted policy for task kind %s", task.Kind)
}

// parsed observation.
type observation struct {
	hand, object, goal r3.Vector
	opening            float64
}

func parse(obs []float64) observation {
	return observation{
		hand:    geometry.Vec(obs[sim.HandIndex : sim.HandIndex+3]),
		opening: obs[sim.GripperIndex],
		object:  geometry.Vec(obs[sim.ObjectIndex : sim.ObjectIndex+3]),
		goal:    geometry.Vec(obs[sim.GoalIndex : sim.GoalIndex+3]),
	}
}

// moveTo returns the action that moves the hand towards target with the given gripper effort.
func moveTo(hand, target r3.Vector, grip float64) []float64 {
	delta := target.Sub(hand).Mul(Gain)
	return []float64{clip(delta.X), clip(delta.Y), clip(delta.Z), grip}
}

func clip(v float64) float64 { return max(-1, min(1, v)) }

// route returns the next waypoint from hand to target. Paths crossing the wall go up above it, then
// across, then down.
func route(wall *geometry.Box, hand, target r3.Vector) r3.Vector {
	margin := sim.HandRadius + 0.01
	if wall == nil || !wall.SegmentIntersects(hand, target, margin) {
		return target
	}
	crossZ := wall.Max().Z + WallClearance
	if hand.Z < crossZ-alignTolerance {
		return r3.Vector{X: hand.X, Y: hand.Y, Z: crossZ}
	}
	return r3.Vector{X: target.X, Y: target.Y, Z: crossZ}
}

// NewReach moves the hand to the goal.
func NewReach(wall *geometry.Box) Policy {
	return PolicyFn(func(obs []float64) []float64 {
		o := parse(obs)
		return moveTo(o.hand, route(wall, o.hand, o.goal), -1)
	})
}

// NewPush moves the hand behind the object, opposite to the goal, and then pushes it to the goal
// along the table.
func NewPush(wall *geometry.Box) Policy {
	return PolicyFn(func(obs []float64) []float64 {
		o := parse(obs)
		direction := r3.Vector{X: o.goal.X - o.object.X, Y: o.goal.Y - o.object.Y}
		if direction.Norm() < 1e-6 {
			return moveTo(o.hand, o.hand, -1)
		}
		direction = direction.Normalize()
		behind := o.object.Sub(direction.Mul(0.03))
		behind.Z = o.object.Z

		planar := r3.Vector{X: o.hand.X - behind.X, Y: o.hand.Y - behind.Y}
		pushing := o.hand.Distance(o.object) < sim.PushRadius && o.hand.Sub(o.object).Dot(direction) < 0
		switch {
		case pushing:
			target := o.goal.Sub(direction.Mul(0.03))
			target.Z = o.object.Z
			return moveTo(o.hand, route(wall, o.hand, target), -1)
		case planar.Norm() > alignTolerance:
			// Approach from above so the object is not knocked before the hand is behind it.
			above := behind
			above.Z = o.object.Z + hoverHeight/2
			return moveTo(o.hand, route(wall, o.hand, above), -1)
		default:
			return moveTo(o.hand, behind, -1)
		}
	})
}

// NewPickPlace moves above the object, descends with the gripper open, closes it and carries the
// object to the goal.
func NewPickPlace(wall *geometry.Box) Policy {
	return PolicyFn(func(obs []float64) []float64 {
		o := parse(obs)
		distance := o.hand.Distance(o.object)
		if distance > alignTolerance {
			planar := r3.Vector{X: o.hand.X - o.object.X, Y: o.hand.Y - o.object.Y}
			if planar.Norm() > alignTolerance {
				above := o.object
				above.Z += hoverHeight
				return moveTo(o.hand, route(wall, o.hand, above), -1)
			}
			return moveTo(o.hand, o.object, -1)
		}
		if o.opening > 0.25 {
			// Closing.
			return moveTo(o.hand, o.object, 1)
		}
		return moveTo(o.hand, route(wall, o.hand, o.goal), 1)
	})
}
