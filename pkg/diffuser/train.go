// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffuser

import (
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/guidedplanner/pkg/dataset"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainModel trains the noise model on the given windows (see dataset.Archive.Windows) up to the
// "train_steps" global step.
//
// If checkpointPath is given, training continues from the latest checkpoint there (if any), and
// checkpoints are saved every "checkpoint_frequency" and at the end.
func TrainModel(config *Config, windows *tensors.Tensor, checkpointPath string, verbosity int) error {
	ctx := config.Context
	backend := config.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving.
	if checkpointPath != "" {
		if _, err := config.AttachCheckpoint(checkpointPath); err != nil {
			return err
		}
	}
	checkpoint := config.Checkpoint
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		// Reset RNG with some pseudo-random value.
		ctx.ResetRNGState()
	}
	if verbosity >= 1 {
		printParamsSet(ctx, config.ParamsSet)
	}

	// Dataset of windows.
	if config.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0 (maybe it was not set?): %d", config.BatchSize)
	}
	if dims := windows.Shape().Dimensions; len(dims) != 3 || dims[1] != config.Horizon || dims[2] != config.TransitionDim() {
		return errors.Errorf("windows must be shaped [num_windows, %d, %d], got %s",
			config.Horizon, config.TransitionDim(), windows.Shape())
	}
	trainDS, err := dataset.NewTrainDataset(backend, windows)
	if err != nil {
		return err
	}
	trainDS.Shuffle().Infinite(true).BatchSize(min(config.BatchSize, trainDS.NumExamples()), true)

	// Custom loss: model returns scalar loss as the second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	var trainer *train.Trainer
	err = exceptions.TryCatch[error](func() {
		trainer = train.NewTrainer(
			backend, ctx, BuildTrainComputation(config), customLoss,
			optimizers.FromContext(ctx),
			[]metrics.Interface{}, // trainMetrics
			[]metrics.Interface{}) // evalMetrics
	})
	if err != nil {
		return errors.WithMessage(err, "failed to create trainer")
	}

	// Use a standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training by default.
	if checkpoint != nil {
		period, err := time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m"))
		if err != nil {
			return errors.Wrapf(err, "invalid checkpoint_frequency")
		}
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep >= numTrainSteps {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
		return nil
	}
	_, err = loop.RunSteps(trainDS, numTrainSteps-globalStep)
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}
	if err != nil {
		if checkpoint != nil && loop.LoopStep > loop.StartStep {
			klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
			if errSave := checkpoint.Save(); errSave != nil {
				klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
			}
		}
		return errors.WithMessage(err, "error during training")
	}
	return nil
}

// printParamsSet enumerates the hyperparameters that were set from the command line.
func printParamsSet(ctx *context.Context, paramsSet []string) {
	for _, paramsPath := range paramsSet {
		scope, name := context.SplitScope(paramsPath)
		if scope == "" {
			if value, found := ctx.GetParam(name); found {
				fmt.Printf("\t%s=%v\n", name, value)
			}
		} else {
			if value, found := ctx.InAbsPath(scope).GetParam(name); found {
				fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
			}
		}
	}
}
