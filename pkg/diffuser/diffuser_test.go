// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffuser

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/guidedplanner/pkg/dataset"
	"github.com/gomlx/guidedplanner/pkg/guide"
	"github.com/gomlx/guidedplanner/pkg/normalizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smallContext returns a default context with a tiny model, for 1 action and 3 observation features.
func smallContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"train_steps":            3,
		"batch_size":             4,
		"checkpoint_frequency":   "1h",
		ParamHorizon:             4,
		ParamSamplingSteps:       3,
		fnn.ParamNumHiddenLayers: 1,
		fnn.ParamNumHiddenNodes:  8,
		"sinusoidal_embed_size":  8,
	})
	return ctx
}

// smallArchive has 3 trajectories of 6 steps moving towards the origin.
func smallArchive(t *testing.T) *dataset.Archive {
	a := dataset.New("reach-v2", 1, 3)
	for ii := range 3 {
		traj := &dataset.Trajectory{Success: true}
		for step := range 6 {
			pos := 0.1 * float64(6-step+ii)
			traj.Append([]float64{pos, 0.5 * pos, 0.1 * float64(ii)}, []float64{-0.1}, 1, step == 5, false)
		}
		require.NoError(t, a.Add(traj))
	}
	return a
}

func TestDiffusionSchedule(t *testing.T) {
	ctx := smallContext()
	graphtest.RunTestGraphFn(t, "DiffusionSchedule(clipStart=false)", func(g *Graph) (inputs, outputs []*Node) {
		times := Const(g, []float64{0, 0.5, 1})
		signal, noise := DiffusionSchedule(ctx, times, false)
		inputs = []*Node{times}
		outputs = []*Node{Add(Square(signal), Square(noise)), Slice(signal, AxisElem(0))}
		return
	}, []any{[]float64{1, 1, 1}, []float64{1}}, 1e-6)

	graphtest.RunTestGraphFn(t, "DiffusionSchedule(clipStart=true)", func(g *Graph) (inputs, outputs []*Node) {
		times := Const(g, []float64{0, 1})
		signal, _ := DiffusionSchedule(ctx, times, true)
		inputs = []*Node{times}
		outputs = []*Node{signal}
		return
	}, []any{[]float64{0.95, 0.02}}, 1e-6)
}

func TestApplyConditioning(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ApplyConditioning", func(g *Graph) (inputs, outputs []*Node) {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 3))
		observations := Const(g, [][]float32{{10, 20}})
		inputs = []*Node{x, observations}
		outputs = []*Node{ApplyConditioning(x, observations, 1), firstObservations(x, 1)}
		return
	}, []any{
		[][][]float32{{{0, 10, 20}, {3, 4, 5}}},
		[][]float32{{1, 2}},
	}, -1)

	graphtest.RunTestGraphFn(t, "ApplyConditioning(horizon=1)", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float32{{{1, 2, 3}}})
		observations := Const(g, [][]float32{{7, 8}})
		inputs = []*Node{x, observations}
		outputs = []*Node{ApplyConditioning(x, observations, 1)}
		return
	}, []any{[][][]float32{{{1, 7, 8}}}}, -1)
}

func TestNewConfig(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config, err := NewConfig(backend, smallContext(), normalizer.Identity(1, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, config.Horizon)
	assert.Equal(t, 1, config.ActionDim)
	assert.Equal(t, 3, config.ObservationDim)
	assert.Equal(t, 4, config.TransitionDim())
	assert.Equal(t, 1, context.GetParamOr(config.Context, ParamActionDim, 0))

	ctx := smallContext()
	ctx.SetParam(ParamHorizon, 0)
	_, err = NewConfig(backend, ctx, normalizer.Identity(1, 3), nil)
	require.Error(t, err)

	ctx = smallContext()
	ctx.SetParam("dtype", "int32")
	_, err = NewConfig(backend, ctx, normalizer.Identity(1, 3), nil)
	require.Error(t, err)

	_, err = NewConfig(backend, smallContext(), &normalizer.Normalizer{}, nil)
	require.Error(t, err)
}

func TestTrainComputation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config, err := NewConfig(backend, smallContext(), normalizer.Identity(1, 3), nil)
	require.NoError(t, err)
	modelFn := BuildTrainComputation(config)
	exec, err := context.NewExec(backend, config.Context, func(ctx *context.Context, windows *Node) []*Node {
		return modelFn(ctx, nil, []*Node{windows})
	})
	require.NoError(t, err)
	defer exec.Finalize()

	windows := tensors.FromFlatDataAndDimensions(make([]float32, 2*4*4), 2, 4, 4)
	outputs := exec.MustExec(windows)
	require.Len(t, outputs, 2)
	assert.Equal(t, []int{2, 4, 4}, outputs[0].Shape().Dimensions)
	assert.True(t, outputs[1].Shape().IsScalar())
	assert.Greater(t, config.Context.NumParameters(), 0)

	require.Panics(t, func() {
		bad := tensors.FromFlatDataAndDimensions(make([]float32, 2*3*4), 2, 3, 4)
		exec.MustExec(bad)
	})
}

func TestSampleUnguided(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config, err := NewConfig(backend, smallContext(), normalizer.Identity(1, 3), nil)
	require.NoError(t, err)
	sampler, err := NewSampler(config, nil)
	require.NoError(t, err)
	defer sampler.Finalize()
	assert.Nil(t, sampler.Evaluator())

	observation := []float64{0.1, 0.2, 0.3}
	samples, err := sampler.Sample(observation, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 4}, samples.Trajectories.Shape().Dimensions)
	assert.Equal(t, []float64{0, 0, 0}, samples.Values)
	require.Len(t, samples.Actions, 3)
	for ii := range 3 {
		require.Len(t, samples.Actions[ii], 4)
		require.Len(t, samples.Actions[ii][0], 1)
		assert.InDeltaSlice(t, observation, samples.Observations[ii][0], 1e-5)
	}

	_, err = sampler.Sample([]float64{0.1, 0.2}, 3)
	require.Error(t, err)
	_, err = sampler.Sample(observation, 0)
	require.Error(t, err)
}

func TestTrainAndSample(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	backend := graphtest.BuildTestBackend()
	archive := smallArchive(t)
	norm, err := archive.FitNormalizer()
	require.NoError(t, err)
	config, err := NewConfig(backend, smallContext(), norm, nil)
	require.NoError(t, err)
	windows, err := archive.Windows(config.Horizon, norm)
	require.NoError(t, err)

	checkpointDir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, TrainModel(config, windows, checkpointDir, -1))
	require.NotNil(t, config.Checkpoint)
	_, err = os.Stat(filepath.Join(checkpointDir, normalizer.FileName))
	require.NoError(t, err)

	// Load the model in a fresh context, keeping the number of sampling steps from the command line.
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamSamplingSteps, 2)
	loaded, err := LoadConfig(backend, ctx, checkpointDir, []string{ParamSamplingSteps})
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Horizon)
	assert.Equal(t, 1, loaded.ActionDim)
	assert.Equal(t, 3, loaded.ObservationDim)
	assert.Equal(t, norm, loaded.Normalizer)
	assert.Equal(t, 8, context.GetParamOr(ctx, fnn.ParamNumHiddenNodes, 0))
	assert.Equal(t, 2, context.GetParamOr(ctx, ParamSamplingSteps, 0))

	guideCfg, err := guide.Preset(guide.PresetWallObserved, 1, 3)
	require.NoError(t, err)
	sampler, err := NewSampler(loaded, guideCfg)
	require.NoError(t, err)
	defer sampler.Finalize()
	require.NotNil(t, sampler.Evaluator())

	observation := []float64{0.3, 0.15, 0.1}
	samples, err := sampler.Sample(observation, 5)
	require.NoError(t, err)
	require.Len(t, samples.Values, 5)
	for ii := 1; ii < 5; ii++ {
		assert.LessOrEqual(t, samples.Values[ii-1], samples.Values[ii])
	}
	for ii := range 5 {
		assert.InDeltaSlice(t, observation, samples.Observations[ii][0], 1e-4)
	}

	// Values match the guide evaluated on the returned (sorted) trajectories.
	values, err := sampler.Evaluator().Evaluate(samples.Trajectories)
	require.NoError(t, err)
	assert.InDeltaSlice(t, values, samples.Values, 1e-3)

	// Training further is a no-op once train_steps is reached.
	config2, err := NewConfig(backend, smallContext(), norm, nil)
	require.NoError(t, err)
	require.NoError(t, TrainModel(config2, windows, checkpointDir, -1))
}

func TestNewSamplerErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	ctx.SetParam(ParamSamplingSteps, 0)
	config, err := NewConfig(backend, ctx, normalizer.Identity(1, 3), nil)
	require.NoError(t, err)
	_, err = NewSampler(config, nil)
	require.Error(t, err)

	config, err = NewConfig(backend, smallContext(), normalizer.Identity(1, 3), nil)
	require.NoError(t, err)
	guideCfg, err := guide.Preset(guide.PresetWallWeighted, 1, 3)
	require.NoError(t, err)
	sampler, err := NewSampler(config, guideCfg) // 8 step weights for a horizon of 4.
	require.ErrorIs(t, err, guide.ErrInvalidConfig)
	assert.Nil(t, sampler)

	// Finalize, used to release the evaluator on the failure above, works on partially built and
	// already finalized samplers.
	require.NotPanics(t, (&Sampler{}).Finalize)
	guideCfg, err = guide.Preset(guide.PresetWallObserved, 1, 3)
	require.NoError(t, err)
	sampler, err = NewSampler(config, guideCfg)
	require.NoError(t, err)
	require.NotNil(t, sampler.Evaluator())
	sampler.Finalize()
	assert.Nil(t, sampler.Evaluator())
	require.NotPanics(t, sampler.Finalize)
}
