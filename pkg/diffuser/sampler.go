// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffuser

import (
	"sort"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/guidedplanner/pkg/guide"
	"github.com/pkg/errors"
)

// Samples of trajectories generated by a Sampler, sorted by their guide loss (Values).
type Samples struct {
	// Trajectories in normalized units, shaped [batch, horizon, action_dim+observation_dim].
	Trajectories *tensors.Tensor

	// Actions and Observations in physical units, indexed by sample, step and feature.
	Actions, Observations [][][]float64

	// Values are the guide losses of each sample, or 0 if the sampler is not guided.
	Values []float64
}

// Sampler generates trajectories starting at a given observation, steered by the gradient of a guide.
// Create it with NewSampler.
//
// A Sampler is not safe for concurrent use.
type Sampler struct {
	config   *Config
	ctx      *context.Context
	guideCfg *guide.Config
	eval     *guide.Evaluator

	numSteps       int
	scale          float64
	numGuideSteps  int
	tStopGrad      float64
	scaleGradByStd bool
	descending     bool

	initExec, stepExec *context.Exec
}

// NewSampler creates a sampler for the model in config, guided by guideCfg.
// If guideCfg is nil, sampling is not guided.
//
// The sampling hyperparameters (ParamSamplingSteps, ParamGuideScale, ParamGuideSteps, ParamGuideStopGrad,
// ParamScaleGradByStd and ParamDescending) are read from the config's context.
func NewSampler(config *Config, guideCfg *guide.Config) (*Sampler, error) {
	ctx := config.Context.Checked(false)
	s := &Sampler{
		config:         config,
		ctx:            ctx,
		numSteps:       context.GetParamOr(ctx, ParamSamplingSteps, 20),
		scale:          context.GetParamOr(ctx, ParamGuideScale, 0.1),
		numGuideSteps:  context.GetParamOr(ctx, ParamGuideSteps, 2),
		tStopGrad:      context.GetParamOr(ctx, ParamGuideStopGrad, 0.0),
		scaleGradByStd: context.GetParamOr(ctx, ParamScaleGradByStd, true),
		descending:     context.GetParamOr(ctx, ParamDescending, false),
	}
	if config.DType != dtypes.Float32 && config.DType != dtypes.Float64 {
		return nil, errors.Errorf("sampling requires a float32 or float64 model, got %s", config.DType)
	}
	if s.numSteps <= 0 {
		return nil, errors.Errorf("%s must be > 0, got %d", ParamSamplingSteps, s.numSteps)
	}
	if s.numGuideSteps < 0 {
		return nil, errors.Errorf("%s must be >= 0, got %d", ParamGuideSteps, s.numGuideSteps)
	}
	if guideCfg != nil {
		var err error
		s.eval, err = guide.NewEvaluator(config.Backend, config.Normalizer, guideCfg)
		if err != nil {
			return nil, err
		}
		if err = guideCfg.ValidateHorizon(config.Horizon); err != nil {
			s.Finalize()
			return nil, err
		}
		s.guideCfg = s.eval.Config()
	}
	var err error
	s.initExec, err = context.NewExec(config.Backend, ctx, s.initGraph)
	if err != nil {
		s.Finalize()
		return nil, errors.WithMessage(err, "diffuser: failed to create sampler")
	}
	s.stepExec, err = context.NewExec(config.Backend, ctx, s.stepGraph)
	if err != nil {
		s.Finalize()
		return nil, errors.WithMessage(err, "diffuser: failed to create sampler")
	}
	return s, nil
}

// ModelConfig returns the configuration of the model being sampled.
func (s *Sampler) ModelConfig() *Config { return s.config }

// Evaluator used to guide the sampling, or nil if not guided.
func (s *Sampler) Evaluator() *guide.Evaluator { return s.eval }

// Finalize frees the compiled graphs and the evaluator, if any.
// The Sampler can't be used afterwards.
func (s *Sampler) Finalize() {
	for _, exec := range []*context.Exec{s.initExec, s.stepExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
	s.initExec, s.stepExec = nil, nil
	if s.eval != nil {
		s.eval.Finalize()
		s.eval = nil
	}
}

// initGraph returns pure noise trajectories, with the first observation set to the given normalized
// observations, shaped [batch, observation_dim].
func (s *Sampler) initGraph(ctx *context.Context, observations *Node) *Node {
	g := observations.Graph()
	batchSize := observations.Shape().Dimensions[0]
	noise := ctx.RandomNormal(g, shapes.Make(s.config.DType, batchSize, s.config.Horizon, s.config.TransitionDim()))
	return ApplyConditioning(noise, observations, s.config.ActionDim)
}

// stepGraph runs the guidance gradient steps, followed by one reverse diffusion step.
// guideScale is a scalar: 0 disables guidance for the step.
func (s *Sampler) stepGraph(ctx *context.Context, x, observations, diffusionTime, nextDiffusionTime, guideScale *Node) *Node {
	actionDim := s.config.ActionDim
	if s.guideCfg != nil && s.numGuideSteps > 0 {
		dtype := x.DType()
		scale := ConvertDType(guideScale, dtype)
		var variance *Node
		if s.scaleGradByStd {
			_, noiseRatio := DiffusionSchedule(ctx, ConvertDType(diffusionTime, dtype), false)
			variance = Square(noiseRatio)
		}
		for range s.numGuideSteps {
			loss := guide.Loss(s.guideCfg, s.config.Normalizer, x)
			grad := Gradient(ReduceAllSum(loss), x)[0]
			if variance != nil {
				grad = Mul(grad, variance)
			}
			x = Sub(x, Mul(grad, scale))
			x = ApplyConditioning(x, observations, actionDim)
		}
	}
	_, next := DenoiseStep(ctx, x, observations, diffusionTime, nextDiffusionTime, actionDim)
	return next
}

// Sample generates batchSize trajectories starting at observation (in physical units), and returns them
// sorted by their guide loss: increasing, unless the ParamDescending hyperparameter is set.
func (s *Sampler) Sample(observation []float64, batchSize int) (*Samples, error) {
	norm := s.config.Normalizer
	if len(observation) != s.config.ObservationDim {
		return nil, errors.Errorf("observation has %d features, the model expects %d", len(observation), s.config.ObservationDim)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	normalized := norm.Observations.Normalize(observation)
	flat := make([]float64, 0, batchSize*len(normalized))
	for range batchSize {
		flat = append(flat, normalized...)
	}
	observations := tensors.FromFlatDataAndDimensions(flat, batchSize, len(normalized))

	var x *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		x = s.initExec.MustExec1(observations)
		for step := range s.numSteps {
			diffusionTime := 1.0 - float64(step)/float64(s.numSteps)
			nextDiffusionTime := 1.0 - float64(step+1)/float64(s.numSteps)
			guideScale := s.scale
			if diffusionTime < s.tStopGrad {
				guideScale = 0
			}
			next := s.stepExec.MustExec1(x, observations, diffusionTime, nextDiffusionTime, guideScale)
			x.MustFinalizeAll()
			x = next
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "diffuser: failed to sample trajectories")
	}

	values := make([]float64, batchSize)
	if s.eval != nil {
		values, err = s.eval.Evaluate(x)
		if err != nil {
			return nil, err
		}
	}
	return s.sortedSamples(x, values), nil
}

// sortedSamples converts the sampled trajectories to Samples, sorted by their values.
func (s *Sampler) sortedSamples(x *tensors.Tensor, values []float64) *Samples {
	dims := x.Shape().Dimensions
	batchSize, horizon, width := dims[0], dims[1], dims[2]
	order := make([]int, batchSize)
	for ii := range order {
		order[ii] = ii
	}
	sort.SliceStable(order, func(i, j int) bool {
		if s.descending {
			return values[order[i]] > values[order[j]]
		}
		return values[order[i]] < values[order[j]]
	})

	flat := flatFloat64(x)
	norm := s.config.Normalizer
	actionDim := s.config.ActionDim
	samples := &Samples{
		Actions:      make([][][]float64, batchSize),
		Observations: make([][][]float64, batchSize),
		Values:       make([]float64, batchSize),
	}
	sortedFlat := make([]float64, 0, len(flat))
	for rank, idx := range order {
		samples.Values[rank] = values[idx]
		samples.Actions[rank] = make([][]float64, horizon)
		samples.Observations[rank] = make([][]float64, horizon)
		for step := range horizon {
			row := flat[(idx*horizon+step)*width : (idx*horizon+step+1)*width]
			sortedFlat = append(sortedFlat, row...)
			samples.Actions[rank][step] = norm.Actions.Unnormalize(row[:actionDim])
			samples.Observations[rank][step] = norm.Observations.Unnormalize(row[actionDim:])
		}
	}
	samples.Trajectories = tensors.FromFlatDataAndDimensions(sortedFlat, batchSize, horizon, width)
	x.MustFinalizeAll()
	return samples
}

// flatFloat64 returns the flat values of a float tensor, converted to float64.
func flatFloat64(x *tensors.Tensor) []float64 {
	switch x.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](x)
	case dtypes.Float32:
		flat32 := tensors.MustCopyFlatData[float32](x)
		flat := make([]float64, len(flat32))
		for ii, v := range flat32 {
			flat[ii] = float64(v)
		}
		return flat
	default:
		exceptions.Panicf("diffuser: unsupported trajectories dtype %s", x.DType())
	}
	return nil
}
