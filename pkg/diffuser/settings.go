// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffuser

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/guidedplanner/pkg/guide"
)

// Hyperparameters specific to the trajectory model and its guided sampling.
const (
	// ParamHorizon is the number of steps of the modeled trajectories.
	ParamHorizon = "horizon"

	// ParamActionDim and ParamObservationDim are set from the normalizer when training, and saved
	// with the checkpoint.
	ParamActionDim      = "action_dim"
	ParamObservationDim = "observation_dim"

	// ParamSamplingSteps is the number of reverse diffusion steps used when sampling.
	ParamSamplingSteps = "sampling_steps"

	// ParamGuideScale multiplies the gradient of the guide loss in each guidance step.
	ParamGuideScale = "guide_scale"

	// ParamGuideSteps is the number of gradient steps on the guide loss before each reverse diffusion step.
	ParamGuideSteps = "n_guide_steps"

	// ParamGuideStopGrad disables guidance for diffusion times below it, at the end of the sampling.
	ParamGuideStopGrad = "t_stopgrad"

	// ParamScaleGradByStd scales the guide gradient by the noise variance of the current diffusion time.
	ParamScaleGradByStd = "scale_grad_by_std"

	// ParamDescending sorts the samples by decreasing guide loss. By default, the lowest loss comes first.
	ParamDescending = "descending"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel and NewSampler.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          20_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training.
		"batch_size": 64,

		// dtype to use for the model.
		"dtype": "float32",

		// rng_reset enables resetting the random number generator state with a new random value -- useful when continuing training.
		"rng_reset": true,

		// Trajectory layout: the dimensions are only known when training starts, from the normalizer.
		ParamHorizon:        8,
		ParamActionDim:      0,
		ParamObservationDim: 0,

		// Diffusion schedule.
		"diffusion_max_signal_ratio": 0.95,
		"diffusion_min_signal_ratio": 0.02,
		"sinusoidal_embed_size":      32,     // Sinusoidal embedding size of the noise variance. It must be an even number.
		"sinusoidal_max_freq":        1000.0, // Sinusoidal embedding max frequency.
		"sinusoidal_min_freq":        1.0,    // Sinusoidal embedding min frequency.

		// Noise model.
		losses.ParamLoss:            "mse",
		fnn.ParamNumHiddenLayers:    4,
		fnn.ParamNumHiddenNodes:     256,
		fnn.ParamResidual:           true,
		layers.ParamNormalization:   "layer",
		activations.ParamActivation: "swish",
		layers.ParamDropoutRate:     0.0,

		optimizers.ParamOptimizer:           "adam",
		optimizers.ParamLearningRate:        2e-4,
		cosineschedule.ParamPeriodSteps:     0, // Enabled if > 0, it sets the period of the cosine schedule. Typically, the same value as 'train_steps'.
		cosineschedule.ParamMinLearningRate: 1e-6,

		// Guided sampling.
		ParamSamplingSteps:  20,
		ParamGuideScale:     0.1,
		ParamGuideSteps:     2,
		ParamGuideStopGrad:  0.1,
		ParamScaleGradByStd: true,
		ParamDescending:     false,
	})
	ctx.SetParams(guide.DefaultParams())
	return ctx
}
