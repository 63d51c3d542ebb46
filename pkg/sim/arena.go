// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sim

import (
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r3"
	"github.com/gomlx/guidedplanner/pkg/geometry"
	"github.com/pkg/errors"
)

// Arena is the Environment implementation for one Task.
type Arena struct {
	task          Task
	rng           *rand.Rand
	maxPathLength int

	hand, object, goal r3.Vector
	opening            float64
	grasped            bool
	step               int
}

var _ Environment = (*Arena)(nil)

// NewArena creates an arena for task. Call Reset before stepping.
func NewArena(task Task, seed uint64) *Arena {
	a := &Arena{
		task:          task,
		rng:           rand.New(rand.NewPCG(seed, 0x5eed)),
		maxPathLength: DefaultMaxPathLength,
	}
	a.Reset()
	return a
}

// WithMaxPathLength sets the number of steps after which Step reports truncation.
func (a *Arena) WithMaxPathLength(steps int) *Arena {
	a.maxPathLength = steps
	return a
}

// Task returns the arena's task description.
func (a *Arena) Task() Task { return a.task }

// Name implements Environment.
func (a *Arena) Name() string { return a.task.Name }

// ObservationDim implements Environment.
func (a *Arena) ObservationDim() int { return ObservationDim }

// MaxPathLength implements Environment.
func (a *Arena) MaxPathLength() int { return a.maxPathLength }

// ActionBounds implements Environment.
func (a *Arena) ActionBounds() (low, high []float64) {
	low, high = make([]float64, ActionDim), make([]float64, ActionDim)
	for ii := range ActionDim {
		low[ii], high[ii] = -1, 1
	}
	return
}

// Obstacle implements Environment.
func (a *Arena) Obstacle() (geometry.Box, bool) {
	if a.task.Wall == nil {
		return geometry.Box{}, false
	}
	return *a.task.Wall, true
}

// Reset implements Environment.
func (a *Arena) Reset() []float64 {
	a.hand = a.task.HandInit
	a.object = a.task.Object.Sample(a.rng)
	a.goal = a.task.Goal.Sample(a.rng)
	a.opening = 1
	a.grasped = false
	a.step = 0
	return a.Observation()
}

// Observation returns the current observation.
func (a *Arena) Observation() []float64 {
	obs := make([]float64, 0, ObservationDim)
	obs = append(obs, geometry.ToSlice(a.hand)...)
	obs = append(obs, a.opening)
	obs = append(obs, geometry.ToSlice(a.object)...)
	obs = append(obs, geometry.ToSlice(a.goal)...)
	return obs
}

// Scene implements Environment.
func (a *Arena) Scene() Scene {
	return Scene{
		Hand: a.hand, Object: a.object, Goal: a.goal,
		Opening: a.opening, Grasped: a.grasped,
		Obstacle: a.task.Wall,
		Step:     a.step,
	}
}

// Step implements Environment.
func (a *Arena) Step(action []float64) (StepResult, error) {
	if len(action) != ActionDim {
		return StepResult{}, errors.Errorf("sim: action must have %d values, got %d", ActionDim, len(action))
	}
	clipped := make([]float64, ActionDim)
	for ii, v := range action {
		if math.IsNaN(v) {
			return StepResult{}, errors.Errorf("sim: action[%d] is NaN", ii)
		}
		clipped[ii] = max(-1, min(1, v))
	}

	previous := a.hand
	a.moveHand(geometry.Vec(clipped).Mul(ActionScale))
	a.opening = max(0, min(1, a.opening-0.25*clipped[3]))
	a.updateObject(a.hand.Sub(previous))
	a.step++

	success := a.Success()
	result := StepResult{
		Observation: a.Observation(),
		Reward:      a.reward(success),
		Success:     success,
		Truncated:   a.step >= a.maxPathLength,
	}
	return result, nil
}

// moveHand moves the hand by delta, clamped to the workspace. Motion that would bring the hand
// within HandRadius of the wall is cancelled axis by axis, so the hand slides along it.
// A single step is shorter than the wall thickness, so checking the end point is enough.
func (a *Arena) moveHand(delta r3.Vector) {
	target := clampVector(a.hand.Add(delta), WorkspaceLow, WorkspaceHigh)
	wall := a.task.Wall
	if wall == nil || !wall.InViolation(target, HandRadius) {
		a.hand = target
		return
	}
	pos := geometry.ToSlice(a.hand)
	goal := geometry.ToSlice(target)
	for axis := range 3 {
		candidate := slicesWith(pos, axis, goal[axis])
		if !wall.InViolation(geometry.Vec(candidate), HandRadius) {
			pos = candidate
		}
	}
	a.hand = geometry.Vec(pos)
}

func (a *Arena) updateObject(handDelta r3.Vector) {
	distance := a.hand.Distance(a.object)
	switch {
	case a.grasped && a.opening > 0.6:
		a.grasped = false
		a.object.Z = ObjectRestZ
	case !a.grasped && a.opening < 0.3 && distance < GraspRadius:
		a.grasped = true
	}
	if a.grasped {
		a.object = a.hand
		return
	}
	if distance < PushRadius && a.object.Z <= ObjectRestZ+1e-9 {
		// Pushed along the table.
		a.object.X += handDelta.X
		a.object.Y += handDelta.Y
		a.object = clampVector(a.object, WorkspaceLow, WorkspaceHigh)
		a.object.Z = ObjectRestZ
	}
}

// goalDistance is the distance used for success and reward.
func (a *Arena) goalDistance() float64 {
	switch a.task.Kind {
	case Reach:
		return a.hand.Distance(a.goal)
	case Push:
		return math.Hypot(a.object.X-a.goal.X, a.object.Y-a.goal.Y)
	default:
		return a.object.Distance(a.goal)
	}
}

// Success returns whether the task is currently solved.
func (a *Arena) Success() bool {
	return a.goalDistance() < a.task.SuccessRadius
}

// reward is 10 on success, and otherwise in [0, 1), growing as the hand gets closer to the
// object and the object closer to the goal.
func (a *Arena) reward(success bool) float64 {
	if success {
		return 10
	}
	distance := a.goalDistance()
	if a.task.Kind != Reach {
		distance += a.hand.Distance(a.object)
	}
	return 1 - math.Tanh(5*distance)
}

func clampVector(v, lo, hi r3.Vector) r3.Vector {
	return r3.Vector{
		X: max(lo.X, min(hi.X, v.X)),
		Y: max(lo.Y, min(hi.Y, v.Y)),
		Z: max(lo.Z, min(hi.Z, v.Z)),
	}
}

// slicesWith returns a copy of s with s[idx] = value.
func slicesWith(s []float64, idx int, value float64) []float64 {
	c := append([]float64(nil), s...)
	c[idx] = value
	return c
}
