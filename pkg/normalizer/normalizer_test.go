// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package normalizer

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func testNormalizer(t *testing.T) *Normalizer {
	n, err := New(
		[]float64{0.1, -0.2, 0, 0.5}, []float64{0.5, 0.25, 1, 2},
		[]float64{1, 2, 3}, []float64{0.1, 0.2, 4})
	require.NoError(t, err)
	return n
}

func TestNewValidation(t *testing.T) {
	_, err := New([]float64{0}, []float64{0}, []float64{0}, []float64{1})
	require.Error(t, err, "zero std must be rejected")
	_, err = New([]float64{0}, []float64{-1}, []float64{0}, []float64{1})
	require.Error(t, err, "negative std must be rejected")
	_, err = New([]float64{0, 1}, []float64{1}, []float64{0}, []float64{1})
	require.Error(t, err, "length mismatch must be rejected")
}

func TestRoundTrip(t *testing.T) {
	n := testNormalizer(t)
	action := []float64{0.3, -1.2, 7, 0}
	obs := []float64{-4, 0.5, 12.25}
	assert.InDeltaSlice(t, action, n.Actions.Unnormalize(n.Actions.Normalize(action)), 1e-12)
	assert.InDeltaSlice(t, obs, n.Observations.Unnormalize(n.Observations.Normalize(obs)), 1e-12)
	assert.InDeltaSlice(t, []float64{(0.3 - 0.1) / 0.5, (-1.2 + 0.2) / 0.25, 7, -0.25},
		n.Actions.Normalize(action), 1e-12)
	require.Panics(t, func() { n.Actions.Normalize([]float64{1}) })
}

func TestGraphMatchesSlices(t *testing.T) {
	n := testNormalizer(t)
	obs := [][]float32{{-4, 0.5, 12.25}, {1, 2, 3}}
	graphtest.RunTestGraphFn(t, "UnnormalizeGraph(NormalizeGraph(x))", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, obs)
		normalized := n.Observations.NormalizeGraph(x)
		inputs = []*graph.Node{x}
		outputs = []*graph.Node{normalized, n.Observations.UnnormalizeGraph(normalized)}
		return
	}, []any{
		[][]float32{{-50, -7.5, 2.3125}, {0, 0, 0}},
		obs,
	}, 1e-4)
}

func TestIdentity(t *testing.T) {
	n := Identity(2, 3)
	require.NoError(t, n.Validate())
	assert.Equal(t, 2, n.ActionDim())
	assert.Equal(t, 3, n.ObservationDim())
	obs := []float64{-4, 0.5, 12.25}
	assert.Equal(t, obs, n.Observations.Normalize(obs))

	graphtest.RunTestGraphFn(t, "Identity.NormalizeGraph(x)", func(g *graph.Graph) (inputs, outputs []*graph.Node) {
		x := graph.Const(g, [][]float32{{-4, 0.5, 12.25}})
		inputs = []*graph.Node{x}
		outputs = []*graph.Node{n.Observations.NormalizeGraph(x), n.Observations.UnnormalizeGraph(x)}
		return
	}, []any{
		[][]float32{{-4, 0.5, 12.25}},
		[][]float32{{-4, 0.5, 12.25}},
	}, 1e-6)
}

func TestFit(t *testing.T) {
	actions := [][]float64{{1, 5}, {3, 5}}
	obs := [][]float64{{0, 10, -1}, {2, 10, 1}, {4, 10, 0}}
	n, err := Fit(actions, obs)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 5}, n.Actions.Means, 1e-12)
	// Constant features get std 1.
	assert.InDeltaSlice(t, []float64{1, 1}, n.Actions.Stds, 1e-12)
	assert.Equal(t, 1.0, n.Observations.Stds[1])
	require.NoError(t, n.Validate())

	_, err = Fit(nil, obs)
	require.Error(t, err)
	_, err = Fit([][]float64{{1, 2}, {1}}, obs)
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	n := testNormalizer(t)
	filePath := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, n.Save(filePath))
	loaded, err := Load(filePath)
	require.NoError(t, err)
	require.Equal(t, n, loaded)
	assert.Equal(t, 4, loaded.ActionDim())
	assert.Equal(t, 3, loaded.ObservationDim())
	assert.Equal(t, 7, loaded.TransitionDim())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
