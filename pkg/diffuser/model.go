// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diffuser implements a diffusion model of short trajectories of [action | observation] steps,
// and a sampler that steers the reverse diffusion with the gradient of a guide.Loss.
//
// The model predicts the noise added to a trajectory (flattened) with a residual FNN, conditioned on
// the noise variance through a sinusoidal embedding. The first observation of a trajectory is always
// given (it's the current observation when planning), so it is overwritten in the noisy inputs,
// both during training and sampling.
//
// The noise schedule and the denoising step follow "Denoising Diffusion Implicit Models" (DDIM).
package diffuser

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/janpfeifer/must"
)

// ModelScope is the context scope of the noise model variables.
const ModelScope = "noise_model"

// SinusoidalEmbedding provides embeddings of `x` for different frequencies.
// This is applied to the variance of the noise, and facilitates the NN model to easily map different ranges
// of the signal/noise ratio.
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()

	// Geometrically spaced frequencies: half of the embedding is used for sine, the other half for cosine.
	halfEmbed := context.GetParamOr(ctx, "sinusoidal_embed_size", 32) / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_min_freq", 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, "sinusoidal_max_freq", 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1)),
		logMinFreq)
	frequencies = Exp(frequencies)

	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	if !x.Shape().IsScalar() {
		angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	}
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// DiffusionSchedule calculates the signal and noise ratios for the given diffusion times in [0, 1]:
// 0 is the clean trajectory and 1 is (almost) only noise.
//
// If clipStart is set to false, the signal ratio is not clipped, and it can go all the way to 1.0.
//
// The ratios observe the element-wise constraint: signalRatios^2 + noiseRatios^2 = 1.
func DiffusionSchedule(ctx *context.Context, times *Node, clipStart bool) (signalRatios, noiseRatios *Node) {
	startAngle := 0.0
	if clipStart {
		startAngle = math.Acos(context.GetParamOr(ctx, "diffusion_max_signal_ratio", 0.95))
	}
	endAngle := math.Acos(context.GetParamOr(ctx, "diffusion_min_signal_ratio", 0.02))
	diffusionAngles := AddScalar(MulScalar(times, endAngle-startAngle), startAngle)
	signalRatios = Cos(diffusionAngles)
	noiseRatios = Sin(diffusionAngles)
	return
}

// NoiseModel predicts the noise in noisyTrajectories, shaped [batch, horizon, width], given the
// noise variances shaped [batch, 1, 1].
func NoiseModel(ctx *context.Context, noisyTrajectories, noiseVariances *Node) *Node {
	ctx = ctx.In(ModelScope)
	if noisyTrajectories.Rank() != 3 {
		exceptions.Panicf("diffuser: trajectories must be shaped [batch, horizon, width], got %s", noisyTrajectories.Shape())
	}
	dims := noisyTrajectories.Shape().Dimensions
	batchSize, flatDim := dims[0], dims[1]*dims[2]
	embed := SinusoidalEmbedding(ctx, Reshape(noiseVariances, batchSize, 1))
	x := Concatenate([]*Node{Reshape(noisyTrajectories, batchSize, flatDim), embed}, -1)
	noises := fnn.New(ctx, x, flatDim).Done()
	return Reshape(noises, dims...)
}

// Denoise separates the noise from the noisy trajectories, given the signal and noise ratios shaped [batch, 1, 1].
func Denoise(ctx *context.Context, noisyTrajectories, signalRatios, noiseRatios *Node) (
	predictedTrajectories, predictedNoises *Node) {
	noiseVariances := Square(noiseRatios)
	predictedNoises = NoiseModel(ctx, noisyTrajectories, noiseVariances)
	predictedTrajectories = Sub(noisyTrajectories, Mul(predictedNoises, noiseRatios))
	predictedTrajectories = Div(predictedTrajectories, signalRatios)
	return
}

// ApplyConditioning overwrites the observation of the first step of x, shaped [batch, horizon, width],
// with observations shaped [batch, observation_dim].
func ApplyConditioning(x, observations *Node, actionDim int) *Node {
	dims := x.Shape().Dimensions
	batchSize, horizon := dims[0], dims[1]
	observations = Reshape(ConvertDType(observations, x.DType()), batchSize, 1, dims[2]-actionDim)
	firstActions := Slice(x, AxisRange(), AxisRange(0, 1), AxisRange(0, actionDim))
	first := Concatenate([]*Node{firstActions, observations}, -1)
	if horizon == 1 {
		return first
	}
	return Concatenate([]*Node{first, Slice(x, AxisRange(), AxisRange(1), AxisRange())}, 1)
}

// firstObservations returns the observations of the first step of x, shaped [batch, observation_dim].
func firstObservations(x *Node, actionDim int) *Node {
	dims := x.Shape().Dimensions
	return Reshape(Slice(x, AxisRange(), AxisRange(0, 1), AxisRange(actionDim)), dims[0], dims[2]-actionDim)
}

// BuildTrainComputation builds the ModelFn for training: its only input are batches of normalized
// trajectory windows, shaped [batch, horizon, width].
//
// It returns the denoised trajectories and the loss of the predicted noise.
func BuildTrainComputation(config *Config) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		dtype := config.DType
		trajectories := ConvertDType(inputs[0], dtype)
		if dims := trajectories.Shape().Dimensions; len(dims) != 3 || dims[1] != config.Horizon || dims[2] != config.TransitionDim() {
			exceptions.Panicf("diffuser: training batches must be shaped [batch, %d, %d], got %s",
				config.Horizon, config.TransitionDim(), trajectories.Shape())
		}
		batchSize := trajectories.Shape().Dimensions[0]
		noises := ctx.RandomNormal(g, trajectories.Shape())

		// Cosine schedule, if enabled.
		cosineschedule.New(ctx, g, dtype).FromContext().Done()

		// Sample noise at different schedules, biased towards less noise, where the details are.
		diffusionTimes := ctx.RandomUniform(g, shapes.Make(dtype, batchSize, 1, 1))
		diffusionTimes = Square(diffusionTimes)
		signalRatios, noiseRatios := DiffusionSchedule(ctx, diffusionTimes, true)
		noisyTrajectories := Add(
			Mul(trajectories, signalRatios),
			Mul(noises, noiseRatios))
		noisyTrajectories = ApplyConditioning(noisyTrajectories, firstObservations(trajectories, config.ActionDim), config.ActionDim)
		noisyTrajectories = StopGradient(noisyTrajectories)
		predictedTrajectories, predictedNoises := Denoise(ctx, noisyTrajectories, signalRatios, noiseRatios)

		lossFn := must.M1(losses.LossFromContext(ctx))
		loss := lossFn([]*Node{noises}, []*Node{predictedNoises})
		if !loss.IsScalar() {
			loss = ReduceAllMean(loss)
		}
		return []*Node{predictedTrajectories, loss}
	}
}

// DenoiseStep executes one reverse diffusion step, from diffusionTime to nextDiffusionTime (both scalars),
// keeping the first observation fixed.
func DenoiseStep(ctx *context.Context, noisyTrajectories, observations, diffusionTime, nextDiffusionTime *Node, actionDim int) (
	predictedTrajectories, nextNoisyTrajectories *Node) {
	dtype := noisyTrajectories.DType()
	batchSize := noisyTrajectories.Shape().Dimensions[0]
	diffusionTimes := BroadcastToDims(ConvertDType(diffusionTime, dtype), batchSize, 1, 1)
	signalRatios, noiseRatios := DiffusionSchedule(ctx, diffusionTimes, false)
	var predictedNoises *Node
	predictedTrajectories, predictedNoises = Denoise(ctx, noisyTrajectories, signalRatios, noiseRatios)
	predictedTrajectories = ApplyConditioning(predictedTrajectories, observations, actionDim)

	nextDiffusionTimes := BroadcastToDims(ConvertDType(nextDiffusionTime, dtype), batchSize, 1, 1)
	nextSignalRatios, nextNoiseRatios := DiffusionSchedule(ctx, nextDiffusionTimes, false)
	nextNoisyTrajectories = Add(
		Mul(predictedTrajectories, nextSignalRatios),
		Mul(predictedNoises, nextNoiseRatios))
	nextNoisyTrajectories = ApplyConditioning(nextNoisyTrajectories, observations, actionDim)
	return
}
