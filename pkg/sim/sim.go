// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sim implements a small kinematic manipulation benchmark: a hand (end-effector) with a
// gripper, one object, one goal and optionally a wall, in a bounded workspace.
//
// It stands in for a physics-based benchmark: actions move the hand by a scaled displacement, the
// wall blocks the hand, and the object follows the hand when grasped or pushed.
//
// Observations have 10 features: hand position (3), gripper opening (1, 0 is closed and 1 is open),
// object position (3) and goal position (3). Actions have 4 features, all in [-1, 1]: hand
// displacement (3) and gripper effort (1, positive closes).
package sim

import (
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/gomlx/guidedplanner/pkg/geometry"
	"github.com/pkg/errors"
)

const (
	ActionDim      = 4
	ObservationDim = 10

	// ActionScale converts a unit action to a hand displacement, in meters.
	ActionScale = 0.01

	// HandRadius is used to keep the hand off the wall.
	HandRadius = 0.01

	// GraspRadius is the largest hand-object distance at which closing the gripper grasps the object.
	GraspRadius = 0.03

	// PushRadius is the largest hand-object distance at which an ungrasped object is pushed.
	PushRadius = 0.04

	// ObjectRestZ is the height of the object resting on the table.
	ObjectRestZ = 0.02

	// DefaultMaxPathLength is the number of steps after which an episode is truncated.
	DefaultMaxPathLength = 500
)

// ErrUnknownEnv is returned for environment names not registered.
var ErrUnknownEnv = errors.New("unknown environment")

// Workspace limits of the hand.
var (
	WorkspaceLow  = r3.Vector{X: -0.5, Y: 0.35, Z: 0.0}
	WorkspaceHigh = r3.Vector{X: 0.5, Y: 1.0, Z: 0.5}
)

// Observation feature offsets.
const (
	HandIndex    = 0
	GripperIndex = 3
	ObjectIndex  = 4
	GoalIndex    = 7
)

// StepResult is returned by Environment.Step.
type StepResult struct {
	Observation []float64
	Reward      float64

	// Success is true if the task goal is achieved after this step.
	Success bool

	// Truncated is true if the environment step budget is exhausted.
	Truncated bool
}

// Scene is a snapshot of the arena state, used for rendering and diagnostics.
type Scene struct {
	Hand, Object, Goal r3.Vector
	Opening            float64
	Grasped            bool
	Obstacle           *geometry.Box
	Step               int
}

// Environment is the interface used by the collector and the planner.
type Environment interface {
	// Name of the task.
	Name() string

	// Reset samples a new task variation and returns the first observation.
	Reset() []float64

	// Step applies the action and advances one step.
	Step(action []float64) (StepResult, error)

	// ActionBounds returns the lowest and highest values of each action feature.
	ActionBounds() (low, high []float64)

	// ObservationDim returns the number of observation features.
	ObservationDim() int

	// Obstacle returns the wall of the task, if there is one.
	Obstacle() (geometry.Box, bool)

	// MaxPathLength is the number of steps after which episodes are truncated.
	MaxPathLength() int

	// Scene returns a snapshot of the current state.
	Scene() Scene
}

// TaskKind defines the success criterion and the scripted behaviour of a task.
type TaskKind int

const (
	Reach TaskKind = iota
	Push
	PickPlace
)

// String implements fmt.Stringer.
func (k TaskKind) String() string {
	switch k {
	case Reach:
		return "reach"
	case Push:
		return "push"
	case PickPlace:
		return "pick-place"
	}
	return "unknown"
}

// Range is an axis-aligned region from which positions are uniformly sampled.
type Range struct {
	Low, High r3.Vector
}

// Sample a uniformly distributed point in the range.
func (r Range) Sample(rng *rand.Rand) r3.Vector {
	lerp := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }
	return r3.Vector{
		X: lerp(r.Low.X, r.High.X),
		Y: lerp(r.Low.Y, r.High.Y),
		Z: lerp(r.Low.Z, r.High.Z),
	}
}

// Task describes one environment of the benchmark.
type Task struct {
	Name     string
	Kind     TaskKind
	HandInit r3.Vector
	Object   Range
	Goal     Range
	Wall     *geometry.Box

	// SuccessRadius is the distance to the goal (of the hand for Reach, of the object otherwise)
	// under which the task is solved.
	SuccessRadius float64
}

var (
	lowWall = geometry.MustNewBox(
		r3.Vector{X: 0.1, Y: 0.75, Z: 0.06}, r3.Vector{X: 0.06, Y: 0.005, Z: 0.03})
	buttonWall = geometry.MustNewBox(
		r3.Vector{X: 0.1, Y: 0.6, Z: 0.075}, r3.Vector{X: 0.1, Y: 0.01, Z: 0.12})
)

var tasks = map[string]Task{}

// Register adds a task to the registry. It panics if the name is already registered.
func Register(task Task) {
	if _, found := tasks[task.Name]; found {
		panic(errors.Errorf("sim: task %q registered twice", task.Name))
	}
	tasks[task.Name] = task
}

func init() {
	Register(Task{
		Name: "reach-v2", Kind: Reach,
		HandInit:      r3.Vector{X: 0, Y: 0.6, Z: 0.2},
		Object:        Range{Low: r3.Vector{X: -0.1, Y: 0.6, Z: ObjectRestZ}, High: r3.Vector{X: 0.1, Y: 0.7, Z: ObjectRestZ}},
		Goal:          Range{Low: r3.Vector{X: -0.1, Y: 0.8, Z: 0.05}, High: r3.Vector{X: 0.1, Y: 0.9, Z: 0.3}},
		SuccessRadius: 0.05,
	})
	Register(Task{
		Name: "reach-wall-v2", Kind: Reach,
		HandInit:      r3.Vector{X: 0, Y: 0.6, Z: 0.2},
		Object:        Range{Low: r3.Vector{X: -0.05, Y: 0.6, Z: ObjectRestZ}, High: r3.Vector{X: 0.05, Y: 0.65, Z: ObjectRestZ}},
		Goal:          Range{Low: r3.Vector{X: -0.05, Y: 0.85, Z: 0.05}, High: r3.Vector{X: 0.05, Y: 0.9, Z: 0.3}},
		Wall:          &lowWall,
		SuccessRadius: 0.05,
	})
	Register(Task{
		Name: "button-press-wall-v2", Kind: Reach,
		HandInit:      r3.Vector{X: 0, Y: 0.4, Z: 0.2},
		Object:        Range{Low: r3.Vector{X: -0.05, Y: 0.75, Z: 0.12}, High: r3.Vector{X: 0.05, Y: 0.8, Z: 0.12}},
		Goal:          Range{Low: r3.Vector{X: -0.05, Y: 0.75, Z: 0.11}, High: r3.Vector{X: 0.05, Y: 0.8, Z: 0.13}},
		Wall:          &buttonWall,
		SuccessRadius: 0.03,
	})
	Register(Task{
		Name: "push-v2", Kind: Push,
		HandInit:      r3.Vector{X: 0, Y: 0.6, Z: 0.2},
		Object:        Range{Low: r3.Vector{X: -0.1, Y: 0.6, Z: ObjectRestZ}, High: r3.Vector{X: 0.1, Y: 0.7, Z: ObjectRestZ}},
		Goal:          Range{Low: r3.Vector{X: -0.1, Y: 0.8, Z: ObjectRestZ}, High: r3.Vector{X: 0.1, Y: 0.9, Z: ObjectRestZ}},
		SuccessRadius: 0.05,
	})
	Register(Task{
		Name: "pick-place-v2", Kind: PickPlace,
		HandInit:      r3.Vector{X: 0, Y: 0.6, Z: 0.2},
		Object:        Range{Low: r3.Vector{X: -0.1, Y: 0.6, Z: ObjectRestZ}, High: r3.Vector{X: 0.1, Y: 0.7, Z: ObjectRestZ}},
		Goal:          Range{Low: r3.Vector{X: -0.1, Y: 0.8, Z: 0.05}, High: r3.Vector{X: 0.1, Y: 0.9, Z: 0.3}},
		SuccessRadius: 0.07,
	})
	Register(Task{
		Name: "pick-place-wall-v2", Kind: PickPlace,
		HandInit:      r3.Vector{X: 0, Y: 0.6, Z: 0.2},
		Object:        Range{Low: r3.Vector{X: -0.05, Y: 0.6, Z: ObjectRestZ}, High: r3.Vector{X: 0.05, Y: 0.65, Z: ObjectRestZ}},
		Goal:          Range{Low: r3.Vector{X: -0.05, Y: 0.85, Z: 0.05}, High: r3.Vector{X: 0.05, Y: 0.9, Z: 0.3}},
		Wall:          &lowWall,
		SuccessRadius: 0.07,
	})
}

// Names returns the sorted names of the registered tasks.
func Names() []string {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the task registered under name.
func Lookup(name string) (Task, error) {
	task, found := tasks[name]
	if !found {
		return Task{}, errors.Wrapf(ErrUnknownEnv, "%q is not one of %s", name, strings.Join(Names(), ", "))
	}
	return task, nil
}

// Make creates the arena for the named task. The seed makes the sequence of task variations reproducible.
func Make(name string, seed uint64) (*Arena, error) {
	task, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return NewArena(task, seed), nil
}
