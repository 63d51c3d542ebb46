// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/guidedplanner/pkg/diffuser"
	"github.com/gomlx/guidedplanner/pkg/guide"
	"github.com/gomlx/guidedplanner/pkg/normalizer"
	"github.com/gomlx/guidedplanner/pkg/sim"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// newSampler creates a sampler for an untrained tiny model of the given dimensions.
func newSampler(t *testing.T, actionDim, obsDim int, guided bool) *diffuser.Sampler {
	ctx := diffuser.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		diffuser.ParamHorizon:       4,
		diffuser.ParamSamplingSteps: 2,
		fnn.ParamNumHiddenLayers:    1,
		fnn.ParamNumHiddenNodes:     8,
	})
	config, err := diffuser.NewConfig(graphtest.BuildTestBackend(), ctx, normalizer.Identity(actionDim, obsDim), nil)
	require.NoError(t, err)
	var guideCfg *guide.Config
	if guided {
		guideCfg, err = guide.ConfigFromContext(ctx, actionDim, obsDim)
		require.NoError(t, err)
	}
	sampler, err := diffuser.NewSampler(config, guideCfg)
	require.NoError(t, err)
	t.Cleanup(sampler.Finalize)
	return sampler
}

func testConfig(envName string) Config {
	cfg := DefaultConfig(envName)
	cfg.NumEpisodes = 2
	cfg.MaxEpisodeLength = 3
	cfg.BatchSize = 4
	return cfg
}

func TestRun(t *testing.T) {
	sampler := newSampler(t, sim.ActionDim, sim.ObservationDim, true)
	cfg := testConfig("reach-wall-v2")
	cfg.RenderVideos = true
	cfg.VideoPath = t.TempDir()
	cfg.VideoDims = [2]int{64, 64}
	cfg.RenderEvery = 2
	results, err := Run(context.Background(), cfg, sampler)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for ii, r := range results {
		assert.Equal(t, ii, r.Episode)
		assert.LessOrEqual(t, r.Steps, 3)
		assert.Greater(t, r.Steps, 0)
		assert.GreaterOrEqual(t, r.MinClearance, 0.0)
		assert.False(t, math.IsInf(r.MinClearance, 1))
		assert.LessOrEqual(t, r.Violations, r.Steps)
	}
	require.Equal(t, cfg.VideoFile(0), results[0].Video)
	_, err = os.Stat(results[0].Video)
	require.NoError(t, err)
	assert.Empty(t, results[1].Video)

	summary := Summary(results)
	assert.Contains(t, summary, "Min clearance")
	assert.Contains(t, summary, "all")
}

func TestRunUnguidedNoWall(t *testing.T) {
	sampler := newSampler(t, sim.ActionDim, sim.ObservationDim, false)
	results, err := Run(context.Background(), testConfig("reach-v2"), sampler)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, math.IsInf(r.MinClearance, 1))
		assert.Zero(t, r.Violations)
	}
	assert.Contains(t, Summary(results), "-")
}

func TestRunErrors(t *testing.T) {
	sampler := newSampler(t, 1, 3, false)
	_, err := Run(context.Background(), testConfig("reach-v2"), sampler)
	require.ErrorIs(t, err, guide.ErrInvalidConfig)

	_, err = Run(context.Background(), testConfig("door-open-v2"), sampler)
	require.ErrorIs(t, err, sim.ErrUnknownEnv)

	cfg := testConfig("reach-v2")
	cfg.BatchSize = 0
	_, err = Run(context.Background(), cfg, sampler)
	require.Error(t, err)

	cfg = testConfig("reach-v2")
	cfg.RenderVideos = true
	cfg.VideoPath = ""
	_, err = Run(context.Background(), cfg, sampler)
	require.Error(t, err)

	sampler = newSampler(t, sim.ActionDim, sim.ObservationDim, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, testConfig("reach-v2"), sampler)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestClipAction(t *testing.T) {
	low, high := []float64{-1, -1, -1, -1}, []float64{1, 1, 1, 1}
	action := []float64{2, -3, 0.5, 7}
	clipped := ClipAction(action, low, high)
	assert.Equal(t, []float64{1, -1, 0.5, 7}, clipped)
	assert.Equal(t, []float64{2, -3, 0.5, 7}, action)
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, SuccessRate(nil))
	results := []EpisodeResult{{Success: true}, {Success: false}, {Success: true}, {Success: true}}
	assert.Equal(t, 0.75, SuccessRate(results))
	assert.Contains(t, Summary(results), "75.0%")
}

func TestVideoFile(t *testing.T) {
	cfg := DefaultConfig("reach-wall-v2")
	cfg.VideoPath = "out"
	assert.Equal(t, filepath.Join("out", "reach-wall-v2_plan_3.gif"), cfg.VideoFile(3))
}
