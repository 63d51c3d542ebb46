// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package normalizer holds the per-feature statistics used to map physical actions and observations
// to the normalized space the diffusion model operates on, and back.
//
// The mapping is affine per feature: normalized = (physical - mean) / std.
// Both a slice version (for the environment side) and a graph version (for cost functions and the
// sampler) are provided, and they are guaranteed to agree.
package normalizer

import (
	"encoding/json"
	"math"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// FileName is the default file name used to store the normalizer along a model checkpoint.
const FileName = "normalizer.json"

// Field holds the statistics of one group of features (actions or observations).
type Field struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// Dim returns the number of features of the field.
func (f Field) Dim() int { return len(f.Means) }

func (f Field) validate(name string) error {
	if len(f.Means) != len(f.Stds) {
		return errors.Errorf("normalizer: %s has %d means but %d stds", name, len(f.Means), len(f.Stds))
	}
	if len(f.Means) == 0 {
		return errors.Errorf("normalizer: %s has no features", name)
	}
	for ii, std := range f.Stds {
		if !(std > 0) || math.IsInf(std, 0) {
			return errors.Errorf("normalizer: %s std[%d]=%g must be positive and finite", name, ii, std)
		}
		if math.IsNaN(f.Means[ii]) || math.IsInf(f.Means[ii], 0) {
			return errors.Errorf("normalizer: %s mean[%d]=%g must be finite", name, ii, f.Means[ii])
		}
	}
	return nil
}

// Normalize maps physical values to normalized values. It panics if len(values) != f.Dim().
func (f Field) Normalize(values []float64) []float64 {
	f.checkLen(values)
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = (v - f.Means[ii]) / f.Stds[ii]
	}
	return out
}

// Unnormalize maps normalized values back to physical values. It panics if len(values) != f.Dim().
func (f Field) Unnormalize(values []float64) []float64 {
	f.checkLen(values)
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = v*f.Stds[ii] + f.Means[ii]
	}
	return out
}

func (f Field) checkLen(values []float64) {
	if len(values) != f.Dim() {
		exceptions.Panicf("normalizer: expected %d values, got %d", f.Dim(), len(values))
	}
}

// NormalizeGraph normalizes x, whose last axis must have f.Dim() features.
// The statistics are converted to x's dtype.
func (f Field) NormalizeGraph(x *graph.Node) *graph.Node {
	mean, std := f.graphStats(x)
	return graph.Div(graph.Sub(x, mean), std)
}

// UnnormalizeGraph is the inverse of NormalizeGraph.
func (f Field) UnnormalizeGraph(x *graph.Node) *graph.Node {
	mean, std := f.graphStats(x)
	return graph.Add(graph.Mul(x, std), mean)
}

// graphStats returns the means and stds as constants of x's dtype, broadcast to x's shape.
func (f Field) graphStats(x *graph.Node) (mean, std *graph.Node) {
	if x.Rank() == 0 || x.Shape().Dimensions[x.Rank()-1] != f.Dim() {
		exceptions.Panicf("normalizer: expected last axis of dimension %d, got shape %s", f.Dim(), x.Shape())
	}
	dims := x.Shape().Dimensions
	mean = graph.BroadcastToDims(graph.ExpandLeftToRank(graph.ConstAs(x, f.Means), x.Rank()), dims...)
	std = graph.BroadcastToDims(graph.ExpandLeftToRank(graph.ConstAs(x, f.Stds), x.Rank()), dims...)
	return
}

// Normalizer holds the statistics for actions and observations.
type Normalizer struct {
	Actions      Field `json:"actions"`
	Observations Field `json:"observations"`
}

// New creates a Normalizer from explicit statistics. It fails if any std is not positive.
func New(actionMeans, actionStds, obsMeans, obsStds []float64) (*Normalizer, error) {
	n := &Normalizer{
		Actions:      Field{Means: actionMeans, Stds: actionStds},
		Observations: Field{Means: obsMeans, Stds: obsStds},
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Identity returns a normalizer that leaves values unchanged.
func Identity(actionDim, obsDim int) *Normalizer {
	ident := func(dim int) Field {
		f := Field{Means: make([]float64, dim), Stds: make([]float64, dim)}
		for ii := range f.Stds {
			f.Stds[ii] = 1
		}
		return f
	}
	return &Normalizer{Actions: ident(actionDim), Observations: ident(obsDim)}
}

// Validate checks that all statistics are consistent and usable.
func (n *Normalizer) Validate() error {
	if err := n.Actions.validate("actions"); err != nil {
		return err
	}
	return n.Observations.validate("observations")
}

// ActionDim returns the number of action features.
func (n *Normalizer) ActionDim() int { return n.Actions.Dim() }

// ObservationDim returns the number of observation features.
func (n *Normalizer) ObservationDim() int { return n.Observations.Dim() }

// TransitionDim is the width of one trajectory row: [action | observation].
func (n *Normalizer) TransitionDim() int { return n.ActionDim() + n.ObservationDim() }

// Fit computes the statistics from rows of actions and observations (one row per step).
//
// Features with zero variance get a std of 1, so they are only shifted.
func Fit(actions, observations [][]float64) (*Normalizer, error) {
	actField, err := fitField("actions", actions)
	if err != nil {
		return nil, err
	}
	obsField, err := fitField("observations", observations)
	if err != nil {
		return nil, err
	}
	return &Normalizer{Actions: actField, Observations: obsField}, nil
}

func fitField(name string, rows [][]float64) (Field, error) {
	if len(rows) == 0 {
		return Field{}, errors.Errorf("normalizer: cannot fit %s with no rows", name)
	}
	dim := len(rows[0])
	f := Field{Means: make([]float64, dim), Stds: make([]float64, dim)}
	column := make([]float64, len(rows))
	for featIdx := range dim {
		for rowIdx, row := range rows {
			if len(row) != dim {
				return Field{}, errors.Errorf("normalizer: %s row %d has %d features, expected %d",
					name, rowIdx, len(row), dim)
			}
			column[rowIdx] = row[featIdx]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		if !(std > 1e-8) {
			std = 1
		}
		f.Means[featIdx], f.Stds[featIdx] = mean, std
	}
	return f, nil
}

// Save writes the normalizer as JSON.
func (n *Normalizer) Save(filePath string) error {
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return errors.Wrap(err, "normalizer: failed to encode")
	}
	if err = os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "normalizer: failed to write %q", filePath)
	}
	return nil
}

// Load reads a normalizer saved with Save and validates it.
func Load(filePath string) (*Normalizer, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "normalizer: failed to read %q", filePath)
	}
	n := &Normalizer{}
	if err = json.Unmarshal(data, n); err != nil {
		return nil, errors.Wrapf(err, "normalizer: failed to decode %q", filePath)
	}
	if err = n.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "normalizer loaded from %q", filePath)
	}
	return n, nil
}
