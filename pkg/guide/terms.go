// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guide

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/guidedplanner/pkg/geometry"
	"github.com/gomlx/guidedplanner/pkg/normalizer"
)

// gatingEpsilon is added to the distance to the obstacle center before normalizing the direction.
const gatingEpsilon = 1e-8

// normEpsilon keeps the gradient of the euclidean norms finite at zero.
const normEpsilon = 1e-12

// TermNodes holds the graph nodes of every term of the cost, for a trajectory batch shaped
// [batch, horizon, action_dim+observation_dim].
//
// Per-trajectory terms are shaped [batch], per-step ones [batch, horizon].
type TermNodes struct {
	// Positions of the end-effector in physical units, shaped [batch, horizon, 3].
	Positions *Node

	// StepPenalty is the obstacle penalty of each step, after gating and before step weights.
	StepPenalty *Node

	// UngatedPenalty is StepPenalty before directional gating. Same as StepPenalty if gating is disabled.
	UngatedPenalty *Node

	// Wall is the obstacle term: the step penalties, weighted and averaged over the horizon.
	Wall *Node

	// Auxiliary terms. They are nil if the configuration has no TaskTerms.
	Grasp, Target, Smoothness, Speed *Node

	// Per-step distances used by the auxiliary terms. Nil if the configuration has no TaskTerms.
	HandObjectDistance, ObjectTargetDistance *Node

	// Total is the combined loss per trajectory.
	Total *Node
}

// Loss returns the combined loss per trajectory, shaped [batch], for x shaped
// [batch, horizon, action_dim+observation_dim] in normalized units.
//
// It is differentiable with respect to x. It panics (with exceptions.Panicf) if x doesn't match
// the configuration.
func Loss(cfg *Config, norm *normalizer.Normalizer, x *Node) *Node {
	return Terms(cfg, norm, x).Total
}

// Terms builds every term of the cost. See TermNodes.
//
// All constants are created with x's dtype, in x's graph.
func Terms(cfg *Config, norm *normalizer.Normalizer, x *Node) *TermNodes {
	checkInput(cfg, norm, x)
	actionDim := cfg.ActionDim
	actions := norm.Actions.UnnormalizeGraph(Slice(x, AxisRange(), AxisRange(), AxisRange(0, actionDim)))
	obs := norm.Observations.UnnormalizeGraph(Slice(x, AxisRange(), AxisRange(), AxisRange(actionDim)))

	terms := &TermNodes{}
	terms.Positions = effectorPositions(cfg, actions, obs)
	terms.UngatedPenalty, terms.StepPenalty = stepPenalty(cfg, terms.Positions, actions)
	weighted := terms.StepPenalty
	if len(cfg.StepWeights) > 0 {
		weights := ExpandLeftToRank(ConstAs(x, cfg.StepWeights), 2)
		weighted = Mul(weighted, BroadcastToDims(weights, weighted.Shape().Dimensions...))
	}
	terms.Wall = ReduceMean(weighted, 1)
	terms.Total = terms.Wall
	if cfg.Task != nil {
		taskTerms(cfg, terms, actions, obs)
	}
	return terms
}

func checkInput(cfg *Config, norm *normalizer.Normalizer, x *Node) {
	if x.Rank() != 3 {
		exceptions.Panicf("guide: trajectories must be shaped [batch, horizon, %d], got %s",
			cfg.TransitionDim(), x.Shape())
	}
	if width := x.Shape().Dimensions[2]; width != cfg.TransitionDim() {
		exceptions.Panicf("guide: trajectory width %d doesn't match action_dim(%d)+observation_dim(%d)",
			width, cfg.ActionDim, cfg.ObservationDim)
	}
	if norm.ActionDim() != cfg.ActionDim || norm.ObservationDim() != cfg.ObservationDim {
		exceptions.Panicf("guide: normalizer dimensions (%d, %d) don't match configured dimensions (%d, %d)",
			norm.ActionDim(), norm.ObservationDim(), cfg.ActionDim, cfg.ObservationDim)
	}
	if !x.DType().IsFloat() {
		exceptions.Panicf("guide: trajectories must be float, got dtype %s", x.DType())
	}
	if err := cfg.ValidateHorizon(x.Shape().Dimensions[1]); err != nil {
		panic(err)
	}
}

// features returns x[..., start:start+n].
func features(x *Node, start, n int) *Node {
	return Slice(x, AxisRange(), AxisRange(), AxisRange(start, start+n))
}

// broadcastVector returns v as a constant broadcast to base's shape over its last axis.
func broadcastVector(base *Node, v []float64) *Node {
	return BroadcastToDims(ExpandLeftToRank(ConstAs(base, v), base.Rank()), base.Shape().Dimensions...)
}

// euclideanNorm returns the euclidean norm over the last axis, dropping it.
func euclideanNorm(x *Node) *Node {
	return Sqrt(AddScalar(ReduceSum(Square(x), -1), normEpsilon))
}

func effectorPositions(cfg *Config, actions, obs *Node) *Node {
	observed := features(obs, 0, 3)
	if cfg.PositionMode == Observed {
		return observed
	}
	start := Slice(observed, AxisRange(), AxisElem(0), AxisRange())
	start = BroadcastToDims(start, observed.Shape().Dimensions...)
	deltas := MulScalar(features(actions, 0, 3), cfg.DeltaT)
	// Exclusive prefix sum: step t accumulates the actions of steps 0..t-1.
	offsets := Sub(CumSum(deltas, 1), deltas)
	return Add(start, offsets)
}

func stepPenalty(cfg *Config, positions, actions *Node) (ungated, gated *Node) {
	center := broadcastVector(positions, geometry.ToSlice(cfg.Obstacle.Center()))
	half := broadcastVector(positions, geometry.ToSlice(cfg.Obstacle.HalfExtents()))
	faceDistances := Sub(Abs(Sub(positions, center)), half)
	hinge := MaxScalar(AddScalar(Neg(faceDistances), cfg.SafetyMargin), 0.0)
	penalty := MulScalar(ReduceSum(Square(hinge), -1), cfg.penaltyScale())
	if !cfg.DirectionalGating {
		return penalty, penalty
	}

	toCenter := Sub(center, positions)
	distance := AddScalar(euclideanNorm(toCenter), gatingEpsilon)
	direction := Div(toCenter, BroadcastToDims(InsertAxes(distance, -1), toCenter.Shape().Dimensions...))
	approach := ReduceSum(Mul(features(actions, 0, 3), direction), -1)
	zeros := ZerosLike(penalty)
	active := LogicalAnd(GreaterThan(approach, zeros), GreaterThan(penalty, zeros))
	return penalty, Where(active, penalty, zeros)
}

func taskTerms(cfg *Config, terms *TermNodes, actions, obs *Node) {
	task := cfg.Task
	hand := features(obs, task.HandIndex, 3)
	opening := Squeeze(features(obs, task.GripperIndex, 1), -1)
	object := features(obs, task.ObjectIndex, 3)
	target := features(obs, task.targetIndex(cfg.ObservationDim), 3)

	terms.HandObjectDistance = euclideanNorm(Sub(hand, object))
	terms.ObjectTargetDistance = euclideanNorm(Sub(object, target))

	// Grasp: penalizes an open gripper near the object.
	closeness := Exp(MulScalar(terms.HandObjectDistance, -task.GraspSharpness))
	terms.Grasp = ReduceMean(Mul(closeness, opening), 1)

	terms.Target = ReduceMean(terms.ObjectTargetDistance, 1)

	horizon := actions.Shape().Dimensions[1]
	if horizon > 1 {
		changes := Sub(
			Slice(actions, AxisRange(), AxisRange(1), AxisRange()),
			Slice(actions, AxisRange(), AxisRange(0, horizon-1), AxisRange()))
		terms.Smoothness = ReduceMean(euclideanNorm(changes), 1)
	} else {
		terms.Smoothness = ZerosLike(terms.Wall)
	}

	if cfg.ActionDim > 1 {
		// The last action component is the gripper command, not a velocity.
		speeds := euclideanNorm(features(actions, 0, cfg.ActionDim-1))
		outside := Add(
			MaxScalar(AddScalar(speeds, -task.SpeedMax), 0.0),
			MaxScalar(AddScalar(Neg(speeds), task.SpeedMin), 0.0))
		terms.Speed = ReduceMean(outside, 1)
	} else {
		terms.Speed = ZerosLike(terms.Wall)
	}

	terms.Total = Add(
		Add(MulScalar(terms.Wall, task.WallWeight), MulScalar(terms.Grasp, task.GraspWeight)),
		Add(
			Add(MulScalar(terms.Target, task.TargetWeight), MulScalar(terms.Smoothness, task.SmoothnessWeight)),
			MulScalar(terms.Speed, task.SpeedWeight)))
}
