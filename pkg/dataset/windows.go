// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/guidedplanner/pkg/normalizer"
	"github.com/pkg/errors"
)

// FitNormalizer fits the per-field statistics of actions and observations over all steps.
func (a *Archive) FitNormalizer() (*normalizer.Normalizer, error) {
	if a.NumSteps() == 0 {
		return nil, errors.New("cannot fit a normalizer on an empty archive")
	}
	actions := make([][]float64, 0, a.NumSteps())
	observations := make([][]float64, 0, a.NumSteps())
	for _, t := range a.Trajectories {
		actions = append(actions, t.Actions...)
		observations = append(observations, t.Observations...)
	}
	return normalizer.Fit(actions, observations)
}

// Windows slices every trajectory into windows of horizon steps, one starting at each step, laid out
// as rows of [action | observation] in normalized units.
//
// Windows running past the end of a trajectory are padded by repeating its last observation with a
// zero (physical) action. The returned tensor is float32 and shaped [num_windows, horizon, width].
func (a *Archive) Windows(horizon int, norm *normalizer.Normalizer) (*tensors.Tensor, error) {
	if horizon <= 0 {
		return nil, errors.Errorf("horizon must be > 0, got %d", horizon)
	}
	if norm.ActionDim() != a.ActionDim || norm.ObservationDim() != a.ObservationDim {
		return nil, errors.Errorf("normalizer is for %d actions and %d observations, the archive has %d and %d",
			norm.ActionDim(), norm.ObservationDim(), a.ActionDim, a.ObservationDim)
	}
	numWindows := a.NumSteps()
	if numWindows == 0 {
		return nil, errors.New("no steps in archive")
	}
	width := a.ActionDim + a.ObservationDim
	flat := make([]float32, 0, numWindows*horizon*width)
	padAction := norm.Actions.Normalize(make([]float64, a.ActionDim))
	for _, t := range a.Trajectories {
		actions := make([][]float64, t.Len())
		observations := make([][]float64, t.Len())
		for step := range t.Len() {
			actions[step] = norm.Actions.Normalize(t.Actions[step])
			observations[step] = norm.Observations.Normalize(t.Observations[step])
		}
		for start := range t.Len() {
			for offset := range horizon {
				step := start + offset
				action, observation := padAction, observations[len(observations)-1]
				if step < t.Len() {
					action, observation = actions[step], observations[step]
				}
				for _, v := range action {
					flat = append(flat, float32(v))
				}
				for _, v := range observation {
					flat = append(flat, float32(v))
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, numWindows, horizon, width), nil
}

// NewTrainDataset wraps the windows (see Archive.Windows) in an in-memory dataset, whose only input is
// the windows themselves. The caller configures batching and shuffling.
func NewTrainDataset(backend backends.Backend, windows *tensors.Tensor) (*datasets.InMemoryDataset, error) {
	if windows.Rank() != 3 {
		return nil, errors.Errorf("windows must be shaped [num_windows, horizon, width], got %s", windows.Shape())
	}
	return datasets.InMemoryFromData(backend, "trajectory-windows", []any{windows}, nil)
}
