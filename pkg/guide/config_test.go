// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guide

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	for _, name := range PresetNames {
		cfg, err := Preset(name, 4, 39)
		require.NoErrorf(t, err, "preset %q", name)
		require.NoErrorf(t, cfg.Validate(), "preset %q", name)
	}
	_, err := Preset("no-such-preset", 4, 39)
	require.True(t, errors.Is(err, ErrInvalidConfig))

	cfg, err := Preset(PresetPickPlaceWall, 4, 39)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, cfg.Obstacle.HalfExtents().X, 1e-12)
	assert.Equal(t, 36, cfg.Task.targetIndex(39))

	cfg, err = Preset(PresetWallWeighted, 4, 39)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateHorizon(8))
	require.Error(t, cfg.ValidateHorizon(5))
}

func TestParsePositionMode(t *testing.T) {
	for _, mode := range []PositionMode{Observed, Integrated} {
		parsed, err := ParsePositionMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	_, err := ParsePositionMode("teleported")
	require.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	cfg, err := ConfigFromContext(ctx, 4, 39)
	require.NoError(t, err)
	assert.Equal(t, Integrated, cfg.PositionMode)
	assert.True(t, cfg.DirectionalGating)
	assert.Equal(t, 10.0, cfg.PenaltyScale)

	ctx.SetParams(map[string]any{
		ParamPreset:          PresetPickPlaceWall,
		ParamMargin:          0.2,
		ParamPositionMode:    "integrated",
		ParamWallCenter:      []float64{0, 0.5, 0.1},
		ParamWallHalfExtents: []float64{0.1, 0.02, 0.1},
		ParamStepWeights:     []float64{1, 2, 3},
		ParamTaskTerms:       false,
	})
	cfg, err = ConfigFromContext(ctx, 4, 39)
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.SafetyMargin)
	assert.Equal(t, Integrated, cfg.PositionMode)
	assert.Equal(t, 0.5, cfg.Obstacle.Center().Y)
	assert.Equal(t, 0.02, cfg.Obstacle.HalfExtents().Y)
	assert.Equal(t, []float64{1, 2, 3}, cfg.StepWeights)
	assert.Nil(t, cfg.Task)

	ctx.SetParam(ParamWallCenter, []float64{0, 1})
	_, err = ConfigFromContext(ctx, 4, 39)
	require.True(t, errors.Is(err, ErrInvalidConfig))

	ctx.SetParam(ParamWallCenter, []float64{})
	ctx.SetParam(ParamGating, "maybe")
	_, err = ConfigFromContext(ctx, 4, 39)
	require.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestDefaultParamsKeepPreset(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(DefaultParams())
	ctx.SetParam(ParamPreset, PresetPickPlaceWall)
	cfg, err := ConfigFromContext(ctx, 4, 39)
	require.NoError(t, err)
	preset, err := Preset(PresetPickPlaceWall, 4, 39)
	require.NoError(t, err)
	assert.Equal(t, preset, cfg)

	ctx.SetParam(ParamGating, "true")
	ctx.SetParam(ParamMargin, 0.0)
	cfg, err = ConfigFromContext(ctx, 4, 39)
	require.NoError(t, err)
	assert.True(t, cfg.DirectionalGating)
	assert.Equal(t, 0.0, cfg.SafetyMargin)
}

func TestClone(t *testing.T) {
	cfg, err := Preset(PresetPickPlaceWall, 4, 39)
	require.NoError(t, err)
	cfg.StepWeights = []float64{1, 2}
	clone := cfg.Clone()
	clone.StepWeights[0] = 7
	clone.Task.GraspWeight = 7
	assert.Equal(t, 1.0, cfg.StepWeights[0])
	assert.Equal(t, 1.0, cfg.Task.GraspWeight)
}
