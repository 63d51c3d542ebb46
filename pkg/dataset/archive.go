// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset holds the archive of collected demonstration trajectories, its on-disk format and
// the conversion to fixed-horizon training windows.
package dataset

import (
	"bufio"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FormatVersion of the archive files written by Save.
const FormatVersion = 1

// Keys are the per-trajectory entries stored in an archive, in file order.
var Keys = []string{"observations", "actions", "rewards", "terminals", "timeouts", "success"}

// Trajectory is one collected episode. All per-step slices have the same length.
type Trajectory struct {
	Observations [][]float64
	Actions      [][]float64
	Rewards      []float64
	Terminals    []bool

	// Timeouts[t] is true only on the last step of an episode that ended without success,
	// because its step budget was exhausted.
	Timeouts []bool

	Success bool
}

// Len returns the number of steps in the trajectory.
func (t *Trajectory) Len() int { return len(t.Actions) }

// Append one step: the observation the action was taken from, the action and its outcome.
func (t *Trajectory) Append(observation, action []float64, reward float64, terminal, timeout bool) {
	t.Observations = append(t.Observations, append([]float64(nil), observation...))
	t.Actions = append(t.Actions, append([]float64(nil), action...))
	t.Rewards = append(t.Rewards, reward)
	t.Terminals = append(t.Terminals, terminal)
	t.Timeouts = append(t.Timeouts, timeout)
}

// Return is the sum of the rewards.
func (t *Trajectory) Return() float64 {
	var sum float64
	for _, r := range t.Rewards {
		sum += r
	}
	return sum
}

// Validate checks that all steps have the same length and the expected dimensions.
func (t *Trajectory) Validate(actionDim, observationDim int) error {
	n := t.Len()
	if n == 0 {
		return errors.New("empty trajectory")
	}
	if len(t.Observations) != n || len(t.Rewards) != n || len(t.Terminals) != n || len(t.Timeouts) != n {
		return errors.Errorf("trajectory has %d actions, %d observations, %d rewards, %d terminals and %d timeouts",
			n, len(t.Observations), len(t.Rewards), len(t.Terminals), len(t.Timeouts))
	}
	for step := range n {
		if len(t.Actions[step]) != actionDim {
			return errors.Errorf("action at step %d has %d values, expected %d", step, len(t.Actions[step]), actionDim)
		}
		if len(t.Observations[step]) != observationDim {
			return errors.Errorf("observation at step %d has %d values, expected %d",
				step, len(t.Observations[step]), observationDim)
		}
	}
	return nil
}

// Header is written at the start of each archive file.
type Header struct {
	FormatVersion   int
	EnvName         string
	RunID           string
	Created         time.Time
	ActionDim       int
	ObservationDim  int
	NumTrajectories int
	Keys            []string
}

// Archive is the collection of trajectories of one collection run.
type Archive struct {
	Header
	Trajectories []*Trajectory
}

// New creates an empty archive for the environment, with a fresh run id.
func New(envName string, actionDim, observationDim int) *Archive {
	return &Archive{
		Header: Header{
			FormatVersion:  FormatVersion,
			EnvName:        envName,
			RunID:          uuid.NewString(),
			Created:        time.Now(),
			ActionDim:      actionDim,
			ObservationDim: observationDim,
			Keys:           Keys,
		},
	}
}

// Add a trajectory to the archive, after validating it.
func (a *Archive) Add(trajectory *Trajectory) error {
	if err := trajectory.Validate(a.ActionDim, a.ObservationDim); err != nil {
		return errors.WithMessagef(err, "trajectory #%d", len(a.Trajectories))
	}
	a.Trajectories = append(a.Trajectories, trajectory)
	a.NumTrajectories = len(a.Trajectories)
	return nil
}

// NumSteps is the total number of steps over all trajectories.
func (a *Archive) NumSteps() int {
	var total int
	for _, t := range a.Trajectories {
		total += t.Len()
	}
	return total
}

// SuccessRate is the fraction of successful trajectories.
func (a *Archive) SuccessRate() float64 {
	if len(a.Trajectories) == 0 {
		return 0
	}
	var count int
	for _, t := range a.Trajectories {
		if t.Success {
			count++
		}
	}
	return float64(count) / float64(len(a.Trajectories))
}

// Save the archive to filePath, creating its directory if needed.
//
// The file is a gob stream: the Header followed, for each trajectory, by the tensors of
// observations [T, obs_dim], actions [T, action_dim], rewards [T], terminals [T] and timeouts [T],
// and the success flag.
func (a *Archive) Save(filePath string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for archive %q", filePath)
		}
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating archive %q", filePath)
	}
	w := bufio.NewWriter(f)
	enc := gob.NewEncoder(w)
	a.NumTrajectories = len(a.Trajectories)
	err = enc.Encode(&a.Header)
	if err != nil {
		err = errors.Wrapf(err, "writing header of %q", filePath)
	}
	for ii, t := range a.Trajectories {
		if err != nil {
			break
		}
		err = errors.WithMessagef(encodeTrajectory(enc, t), "writing trajectory #%d to %q", ii, filePath)
	}
	if err == nil {
		err = errors.Wrapf(w.Flush(), "writing %q", filePath)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "closing %q", filePath)
	}
	return err
}

func encodeTrajectory(enc *gob.Encoder, t *Trajectory) error {
	n := t.Len()
	columns := []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(flatten(t.Observations), n, len(t.Observations[0])),
		tensors.FromFlatDataAndDimensions(flatten(t.Actions), n, len(t.Actions[0])),
		tensors.FromFlatDataAndDimensions(t.Rewards, n),
		tensors.FromFlatDataAndDimensions(t.Terminals, n),
		tensors.FromFlatDataAndDimensions(t.Timeouts, n),
	}
	for ii, column := range columns {
		if err := column.GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "key %q", Keys[ii])
		}
	}
	return enc.Encode(t.Success)
}

// Load an archive saved with Save.
func Load(filePath string) (*Archive, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening archive %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(bufio.NewReader(f))

	a := &Archive{}
	if err = dec.Decode(&a.Header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filePath)
	}
	if a.FormatVersion != FormatVersion {
		return nil, errors.Errorf("archive %q has format version %d, only version %d is supported",
			filePath, a.FormatVersion, FormatVersion)
	}
	a.Trajectories = make([]*Trajectory, 0, a.NumTrajectories)
	for ii := range a.NumTrajectories {
		t, err := decodeTrajectory(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading trajectory #%d from %q", ii, filePath)
		}
		if err = t.Validate(a.ActionDim, a.ObservationDim); err != nil {
			return nil, errors.WithMessagef(err, "trajectory #%d of %q", ii, filePath)
		}
		a.Trajectories = append(a.Trajectories, t)
	}
	return a, nil
}

func decodeTrajectory(dec *gob.Decoder) (*Trajectory, error) {
	columns := make([]*tensors.Tensor, 5)
	for ii := range columns {
		column, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "key %q", Keys[ii])
		}
		columns[ii] = column
	}
	for ii, rank := range []int{2, 2, 1, 1, 1} {
		dtype := dtypes.Float64
		if ii >= 3 {
			dtype = dtypes.Bool
		}
		if columns[ii].Rank() != rank || columns[ii].DType() != dtype {
			return nil, errors.Errorf("key %q has shape %s, expected rank %d and dtype %s",
				Keys[ii], columns[ii].Shape(), rank, dtype)
		}
	}
	t := &Trajectory{
		Observations: unflatten(tensors.MustCopyFlatData[float64](columns[0]), columns[0].Shape().Dimensions[1]),
		Actions:      unflatten(tensors.MustCopyFlatData[float64](columns[1]), columns[1].Shape().Dimensions[1]),
		Rewards:      tensors.MustCopyFlatData[float64](columns[2]),
		Terminals:    tensors.MustCopyFlatData[bool](columns[3]),
		Timeouts:     tensors.MustCopyFlatData[bool](columns[4]),
	}
	if err := dec.Decode(&t.Success); err != nil {
		return nil, errors.Wrap(err, "key \"success\"")
	}
	return t, nil
}

func flatten(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	flat := make([]float64, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return flat
}

func unflatten(flat []float64, width int) [][]float64 {
	rows := make([][]float64, 0, len(flat)/width)
	for start := 0; start < len(flat); start += width {
		rows = append(rows, flat[start:start+width:start+width])
	}
	return rows
}
