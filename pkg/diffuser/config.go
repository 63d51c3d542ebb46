// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffuser

import (
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/guidedplanner/pkg/normalizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the configuration shared by training and sampling of the trajectory model.
// See NewConfig and LoadConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// ParamsSet are hyperparameters overridden, that should not be loaded from the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                                dtypes.DType
	Horizon, ActionDim, ObservationDim int
	BatchSize                            int

	// Normalizer maps the physical trajectories to the normalized units the model works with.
	Normalizer *normalizer.Normalizer

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates a configuration for a model of trajectories with the dimensions of the normalizer.
// The dimensions are stored as hyperparameters, so they are saved with checkpoints.
//
// paramsSet are hyperparameters overridden, that should not be loaded from the checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, norm *normalizer.Normalizer, paramsSet []string) (*Config, error) {
	if err := norm.Validate(); err != nil {
		return nil, err
	}
	ctx.SetParam(ParamActionDim, norm.ActionDim())
	ctx.SetParam(ParamObservationDim, norm.ObservationDim())
	c := &Config{
		Backend:    backend,
		Context:    ctx,
		ParamsSet:  paramsSet,
		Normalizer: norm,
	}
	if err := c.readParams(); err != nil {
		return nil, err
	}
	return c, nil
}

// readParams (re-)reads the hyperparameters cached in the Config.
func (c *Config) readParams() error {
	ctx := c.Context
	var err error
	c.DType, err = dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32"))
	if err != nil {
		return errors.Wrapf(err, "invalid dtype")
	}
	if !c.DType.IsFloat() {
		return errors.Errorf("model dtype must be a float, got %s", c.DType)
	}
	c.Horizon = context.GetParamOr(ctx, ParamHorizon, 0)
	c.ActionDim = context.GetParamOr(ctx, ParamActionDim, 0)
	c.ObservationDim = context.GetParamOr(ctx, ParamObservationDim, 0)
	c.BatchSize = context.GetParamOr(ctx, "batch_size", 0)
	if c.Horizon <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamHorizon, c.Horizon)
	}
	if c.ActionDim <= 0 || c.ObservationDim <= 0 {
		return errors.Errorf("%s and %s must be > 0, got %d and %d", ParamActionDim, ParamObservationDim,
			c.ActionDim, c.ObservationDim)
	}
	if c.Normalizer != nil && (c.Normalizer.ActionDim() != c.ActionDim || c.Normalizer.ObservationDim() != c.ObservationDim) {
		return errors.Errorf("normalizer dimensions (%d, %d) don't match model dimensions (%d, %d)",
			c.Normalizer.ActionDim(), c.Normalizer.ObservationDim(), c.ActionDim, c.ObservationDim)
	}
	return nil
}

// TransitionDim is the width of each step of the trajectories.
func (c *Config) TransitionDim() int { return c.ActionDim + c.ObservationDim }

// AttachCheckpoint creates a checkpoint handler in checkpointPath, loading the latest checkpoint if one
// exists, and saves the normalizer along with it.
//
// Hyperparameters listed in Config.ParamsSet are not overwritten by the checkpoint. If the loaded
// hyperparameters change the trajectory layout, it fails.
func (c *Config) AttachCheckpoint(checkpointPath string) (*checkpoints.Handler, error) {
	numCheckpointsToKeep := context.GetParamOr(c.Context, "num_checkpoints", 3)
	checkpoint, err := checkpoints.Build(c.Context).
		Dir(checkpointPath).
		Keep(numCheckpointsToKeep).
		ExcludeParams(c.ParamsSet...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to attach checkpoint in %q", checkpointPath)
	}
	horizon, actionDim, obsDim := c.Horizon, c.ActionDim, c.ObservationDim
	if err = c.readParams(); err != nil {
		return nil, err
	}
	if c.Horizon != horizon || c.ActionDim != actionDim || c.ObservationDim != obsDim {
		return nil, errors.Errorf("checkpoint in %q is for trajectories of %d steps of %d actions and %d observations, "+
			"configured %d steps of %d actions and %d observations", checkpoint.Dir(),
			c.Horizon, c.ActionDim, c.ObservationDim, horizon, actionDim, obsDim)
	}
	if err = c.Normalizer.Save(filepath.Join(checkpoint.Dir(), normalizer.FileName)); err != nil {
		return nil, err
	}
	c.Checkpoint = checkpoint
	klog.V(1).Infof("Checkpointing model to %q", checkpoint.Dir())
	return checkpoint, nil
}

// LoadConfig loads a trained model from checkpointPath into ctx, along with its normalizer, and
// returns its configuration.
//
// ctx is usually created with CreateDefaultContext, and paramsSet are the hyperparameters overridden
// from the command line, that won't be overwritten by the checkpoint.
func LoadConfig(backend backends.Backend, ctx *context.Context, checkpointPath string, paramsSet []string) (*Config, error) {
	checkpoint, err := checkpoints.Load(ctx).
		Dir(checkpointPath).
		ExcludeParams(paramsSet...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", checkpointPath)
	}
	norm, err := normalizer.Load(filepath.Join(checkpoint.Dir(), normalizer.FileName))
	if err != nil {
		return nil, err
	}
	c := &Config{
		Backend:    backend,
		Context:    ctx,
		ParamsSet:  paramsSet,
		Normalizer: norm,
		Checkpoint: checkpoint,
	}
	if err = c.readParams(); err != nil {
		return nil, errors.WithMessagef(err, "model in %q", checkpoint.Dir())
	}
	return c, nil
}
