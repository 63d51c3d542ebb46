// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/guidedplanner/pkg/normalizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// makeTrajectory with n steps, 1 action and 2 observation features.
func makeTrajectory(n int, success bool) *Trajectory {
	t := &Trajectory{Success: success}
	for step := range n {
		last := step == n-1
		t.Append([]float64{float64(step), -float64(step)}, []float64{0.5 * float64(step)}, 1,
			last && success, last && !success)
	}
	return t
}

func makeArchive(t *testing.T) *Archive {
	a := New("reach-v2", 1, 2)
	require.NoError(t, a.Add(makeTrajectory(3, true)))
	require.NoError(t, a.Add(makeTrajectory(2, false)))
	return a
}

func TestAdd(t *testing.T) {
	a := makeArchive(t)
	assert.Equal(t, 2, a.NumTrajectories)
	assert.Equal(t, 5, a.NumSteps())
	assert.Equal(t, 0.5, a.SuccessRate())
	assert.Equal(t, 3.0, a.Trajectories[0].Return())
	assert.NotEmpty(t, a.RunID)

	bad := makeTrajectory(2, true)
	bad.Rewards = bad.Rewards[:1]
	require.Error(t, a.Add(bad))
	require.Error(t, a.Add(&Trajectory{}))
	wrongDims := &Trajectory{}
	wrongDims.Append([]float64{1}, []float64{1}, 0, false, false)
	require.Error(t, a.Add(wrongDims))
}

func TestSaveLoad(t *testing.T) {
	a := makeArchive(t)
	filePath := filepath.Join(t.TempDir(), "sub", "demos.bin")
	require.NoError(t, a.Save(filePath))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, a.EnvName, loaded.EnvName)
	assert.Equal(t, a.RunID, loaded.RunID)
	assert.Equal(t, Keys, loaded.Keys)
	assert.True(t, a.Created.Equal(loaded.Created))
	require.Len(t, loaded.Trajectories, 2)
	for ii, want := range a.Trajectories {
		got := loaded.Trajectories[ii]
		assert.Equal(t, want.Observations, got.Observations)
		assert.Equal(t, want.Actions, got.Actions)
		assert.Equal(t, want.Rewards, got.Rewards)
		assert.Equal(t, want.Terminals, got.Terminals)
		assert.Equal(t, want.Timeouts, got.Timeouts)
		assert.Equal(t, want.Success, got.Success)
	}
	assert.Equal(t, []bool{false, true}, loaded.Trajectories[1].Timeouts)

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}

func TestWindows(t *testing.T) {
	a := makeArchive(t)
	norm := normalizer.Identity(1, 2)
	windows, err := a.Windows(3, norm)
	require.NoError(t, err)
	require.NoError(t, windows.Shape().Check(windows.DType(), 5, 3, 3))
	flat := tensors.MustCopyFlatData[float32](windows)
	row := func(window, step int) []float32 {
		start := (window*3 + step) * 3
		return flat[start : start+3]
	}
	assert.Equal(t, []float32{0, 0, 0}, row(0, 0))
	assert.Equal(t, []float32{1, 2, -2}, row(0, 2))
	// Window starting at the last step of the first trajectory: padded with zero action.
	assert.Equal(t, []float32{1, 2, -2}, row(2, 0))
	assert.Equal(t, []float32{0, 2, -2}, row(2, 1))
	assert.Equal(t, []float32{0, 2, -2}, row(2, 2))
	// Second trajectory.
	assert.Equal(t, []float32{0.5, 1, -1}, row(4, 0))

	_, err = a.Windows(0, norm)
	require.Error(t, err)
	_, err = a.Windows(3, normalizer.Identity(2, 2))
	require.Error(t, err)
}

func TestFitNormalizer(t *testing.T) {
	a := makeArchive(t)
	norm, err := a.FitNormalizer()
	require.NoError(t, err)
	// Actions: 0, 0.5, 1, 0, 0.5.
	assert.InDelta(t, 0.4, norm.Actions.Means[0], 1e-9)
	// Observations[0]: 0, 1, 2, 0, 1.
	assert.InDelta(t, 0.8, norm.Observations.Means[0], 1e-9)
	assert.InDelta(t, -0.8, norm.Observations.Means[1], 1e-9)

	windows, err := a.Windows(2, norm)
	require.NoError(t, err)
	flat := tensors.MustCopyFlatData[float32](windows)
	var sum float64
	for step := range 5 {
		sum += float64(flat[step*2*3])
	}
	// Windows starting at each step cover every action once at offset 0: normalized mean is 0.
	assert.InDelta(t, 0, sum/5, 1e-5)
}

func TestNewTrainDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	a := makeArchive(t)
	windows, err := a.Windows(2, normalizer.Identity(1, 2))
	require.NoError(t, err)
	ds, err := NewTrainDataset(backend, windows)
	require.NoError(t, err)
	assert.Equal(t, 5, ds.NumExamples())
	ds.BatchSize(2, true)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Empty(t, labels)
	assert.Equal(t, []int{2, 2, 3}, inputs[0].Shape().Dimensions)

	_, err = NewTrainDataset(backend, tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)
}
