// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guide

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/guidedplanner/pkg/normalizer"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrInvalidInput is wrapped by the errors returned when the trajectories don't match the configuration.
var ErrInvalidInput = errors.New("invalid trajectories for guide")

// Diagnostics summarizes one evaluation over a batch of trajectories.
type Diagnostics struct {
	// Batch means of each term. The auxiliary terms are 0 if not configured.
	WallLoss, GraspLoss, TargetLoss, SmoothnessLoss, SpeedLoss, TotalLoss float64

	// NumViolations is the number of (trajectory, step) pairs with a positive step penalty.
	NumViolations int

	// MaxPenetration is the square root of the largest step penalty before directional gating, so it
	// may be positive when NumViolations is 0.
	MaxPenetration float64

	// MeanPenetration is the mean of the square root of the positive step penalties, or 0 if there are none.
	MeanPenetration float64

	// Smallest distances seen over the batch. Only set if the auxiliary terms are configured.
	MinObjectTargetDistance, MinHandObjectDistance float64
}

// String implements fmt.Stringer.
func (d *Diagnostics) String() string {
	return fmt.Sprintf("total=%.4g wall=%.4g grasp=%.4g target=%.4g smooth=%.4g speed=%.4g "+
		"violations=%d max_penetration=%.4g mean_penetration=%.4g min_obj_target=%.4g min_hand_obj=%.4g",
		d.TotalLoss, d.WallLoss, d.GraspLoss, d.TargetLoss, d.SmoothnessLoss, d.SpeedLoss,
		d.NumViolations, d.MaxPenetration, d.MeanPenetration, d.MinObjectTargetDistance, d.MinHandObjectDistance)
}

// Evaluator evaluates the cost of batches of trajectories on a backend.
//
// The computation graphs are JIT-compiled on first use for each input shape, and cached.
// An Evaluator is not safe for concurrent use.
type Evaluator struct {
	backend backends.Backend
	cfg     *Config
	norm    *normalizer.Normalizer

	lossExec, termsExec, gradExec *Exec
}

// NewEvaluator validates the configuration against the normalizer and creates an Evaluator.
// The configuration is copied.
func NewEvaluator(backend backends.Backend, norm *normalizer.Normalizer, cfg *Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := norm.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if norm.ActionDim() != cfg.ActionDim || norm.ObservationDim() != cfg.ObservationDim {
		return nil, configErrorf("normalizer dimensions (%d, %d) don't match configured dimensions (%d, %d)",
			norm.ActionDim(), norm.ObservationDim(), cfg.ActionDim, cfg.ObservationDim)
	}
	e := &Evaluator{backend: backend, cfg: cfg.Clone(), norm: norm}
	var err error
	e.lossExec, err = NewExec(backend, func(x *Node) *Node {
		return ConvertDType(Loss(e.cfg, e.norm, x), dtypes.Float64)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "guide: failed to create loss executor")
	}
	e.termsExec, err = NewExec(backend, e.diagnosticsGraph)
	if err != nil {
		e.Finalize()
		return nil, errors.WithMessage(err, "guide: failed to create diagnostics executor")
	}
	e.gradExec, err = NewExec(backend, func(x *Node) []*Node {
		loss := Loss(e.cfg, e.norm, x)
		grad := Gradient(ReduceAllSum(loss), x)[0]
		return []*Node{ConvertDType(loss, dtypes.Float64), grad}
	})
	if err != nil {
		e.Finalize()
		return nil, errors.WithMessage(err, "guide: failed to create gradient executor")
	}
	return e, nil
}

// Config returns a copy of the evaluator's configuration.
func (e *Evaluator) Config() *Config { return e.cfg.Clone() }

// Normalizer used by the evaluator.
func (e *Evaluator) Normalizer() *normalizer.Normalizer { return e.norm }

// Finalize frees the compiled graphs. It is safe to call more than once.
func (e *Evaluator) Finalize() {
	for _, exec := range []*Exec{e.lossExec, e.termsExec, e.gradExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
	e.lossExec, e.termsExec, e.gradExec = nil, nil, nil
}

// diagnosticsGraph outputs, all as float64: total, wall, grasp, target, smoothness, speed (shaped [batch]),
// and step penalty, hand-object distance, object-target distance, ungated step penalty (shaped [batch, horizon]).
func (e *Evaluator) diagnosticsGraph(x *Node) []*Node {
	terms := Terms(e.cfg, e.norm, x)
	orZeros := func(n, like *Node) *Node {
		if n == nil {
			return ZerosLike(like)
		}
		return n
	}
	outputs := []*Node{
		terms.Total, terms.Wall,
		orZeros(terms.Grasp, terms.Wall), orZeros(terms.Target, terms.Wall),
		orZeros(terms.Smoothness, terms.Wall), orZeros(terms.Speed, terms.Wall),
		terms.StepPenalty,
		orZeros(terms.HandObjectDistance, terms.StepPenalty), orZeros(terms.ObjectTargetDistance, terms.StepPenalty),
		terms.UngatedPenalty,
	}
	for ii, output := range outputs {
		outputs[ii] = ConvertDType(output, dtypes.Float64)
	}
	return outputs
}

// CheckInput returns an error if x can't be evaluated with this configuration.
func (e *Evaluator) CheckInput(x *tensors.Tensor) error {
	shape := x.Shape()
	if shape.Rank() != 3 {
		return errors.Wrapf(ErrInvalidInput, "trajectories must be shaped [batch, horizon, %d], got %s",
			e.cfg.TransitionDim(), shape)
	}
	if shape.Dimensions[2] != e.cfg.TransitionDim() {
		return errors.Wrapf(ErrInvalidInput, "trajectory width %d doesn't match action_dim(%d)+observation_dim(%d)",
			shape.Dimensions[2], e.cfg.ActionDim, e.cfg.ObservationDim)
	}
	if !shape.DType.IsFloat() {
		return errors.Wrapf(ErrInvalidInput, "trajectories must be float, got %s", shape.DType)
	}
	return e.cfg.ValidateHorizon(shape.Dimensions[1])
}

func (e *Evaluator) exec(exec *Exec, x *tensors.Tensor) ([]*tensors.Tensor, error) {
	if err := e.CheckInput(x); err != nil {
		return nil, err
	}
	var outputs []*tensors.Tensor
	var execErr error
	err := exceptions.TryCatch[error](func() { outputs, execErr = exec.Exec(x) })
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessage(err, "guide: failed to evaluate trajectories")
	}
	return outputs, nil
}

// Evaluate returns the loss of each trajectory in x, shaped [batch, horizon, action_dim+observation_dim]
// in normalized units.
func (e *Evaluator) Evaluate(x *tensors.Tensor) ([]float64, error) {
	outputs, err := e.exec(e.lossExec, x)
	if err != nil {
		return nil, err
	}
	return tensors.MustCopyFlatData[float64](outputs[0]), nil
}

// EvaluateWithDiagnostics is like Evaluate, but also returns a summary of the evaluation.
func (e *Evaluator) EvaluateWithDiagnostics(x *tensors.Tensor) ([]float64, *Diagnostics, error) {
	outputs, err := e.exec(e.termsExec, x)
	if err != nil {
		return nil, nil, err
	}
	flat := make([][]float64, len(outputs))
	for ii, output := range outputs {
		flat[ii] = tensors.MustCopyFlatData[float64](output)
	}
	total := flat[0]
	d := &Diagnostics{
		TotalLoss:      stat.Mean(total, nil),
		WallLoss:       stat.Mean(flat[1], nil),
		GraspLoss:      stat.Mean(flat[2], nil),
		TargetLoss:     stat.Mean(flat[3], nil),
		SmoothnessLoss: stat.Mean(flat[4], nil),
		SpeedLoss:      stat.Mean(flat[5], nil),
	}
	var penetrationSum float64
	for _, penalty := range flat[6] {
		if penalty > 0 {
			depth := math.Sqrt(penalty)
			d.NumViolations++
			penetrationSum += depth
		}
	}
	for _, penalty := range flat[9] {
		d.MaxPenetration = max(d.MaxPenetration, math.Sqrt(penalty))
	}
	if d.NumViolations > 0 {
		d.MeanPenetration = penetrationSum / float64(d.NumViolations)
	}
	if e.cfg.Task != nil && len(flat[7]) > 0 {
		d.MinHandObjectDistance = floats.Min(flat[7])
		d.MinObjectTargetDistance = floats.Min(flat[8])
	}
	return total, d, nil
}

// Gradient returns the loss of each trajectory and the gradient of the summed loss with respect to x.
// The gradient has the same shape and dtype as x.
func (e *Evaluator) Gradient(x *tensors.Tensor) (loss []float64, grad *tensors.Tensor, err error) {
	outputs, err := e.exec(e.gradExec, x)
	if err != nil {
		return nil, nil, err
	}
	return tensors.MustCopyFlatData[float64](outputs[0]), outputs[1], nil
}

// Evaluate is a one-shot evaluation: it creates an Evaluator on backend, evaluates x and frees it.
// Diagnostics are only computed (and returned non-nil) if withDiagnostics is true.
func Evaluate(backend backends.Backend, x *tensors.Tensor, cfg *Config, norm *normalizer.Normalizer,
	withDiagnostics bool) ([]float64, *Diagnostics, error) {
	e, err := NewEvaluator(backend, norm, cfg)
	if err != nil {
		return nil, nil, err
	}
	defer e.Finalize()
	if withDiagnostics {
		return e.EvaluateWithDiagnostics(x)
	}
	loss, err := e.Evaluate(x)
	return loss, nil, err
}
