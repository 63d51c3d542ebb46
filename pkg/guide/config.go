// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package guide

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/guidedplanner/pkg/geometry"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every configuration error returned by this package.
var ErrInvalidConfig = errors.New("invalid guide configuration")

func configErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// PositionMode selects where the end-effector positions come from.
type PositionMode int

const (
	// Observed reads the positions from the first three observation features of each step.
	Observed PositionMode = iota

	// Integrated starts from the observed position of step 0 and accumulates the
	// position components of the actions: p[t] = p[0] + sum_{i<t} action[i][0:3]*DeltaT.
	Integrated
)

// String implements fmt.Stringer.
func (m PositionMode) String() string {
	switch m {
	case Observed:
		return "observed"
	case Integrated:
		return "integrated"
	default:
		return fmt.Sprintf("PositionMode(%d)", int(m))
	}
}

// ParsePositionMode converts "observed" or "integrated" to a PositionMode.
func ParsePositionMode(name string) (PositionMode, error) {
	switch strings.ToLower(name) {
	case "observed":
		return Observed, nil
	case "integrated":
		return Integrated, nil
	}
	return 0, configErrorf("unknown position mode %q, valid values are \"observed\" or \"integrated\"", name)
}

// TaskTerms configures the auxiliary pick-and-place terms and the weights used to combine them
// with the obstacle (wall) term.
type TaskTerms struct {
	// Observation feature layout.
	HandIndex, GripperIndex, ObjectIndex int

	// TargetIndex is the index of the first of the 3 target features. Negative values are counted
	// from the end of the observation, so -3 selects the last three features.
	TargetIndex int

	// GraspSharpness k of the grasp term exp(-k*|hand-object|)*opening.
	GraspSharpness float64

	// SpeedMin and SpeedMax define the band of acceptable speeds of the position components of the actions.
	SpeedMin, SpeedMax float64

	// Weights of each term in the combined loss. A zero weight disables the term's contribution,
	// but the term is still reported in the diagnostics.
	WallWeight, GraspWeight, TargetWeight, SmoothnessWeight, SpeedWeight float64
}

// Config parameterizes the obstacle-penalty cost.
type Config struct {
	ActionDim, ObservationDim int

	// Obstacle in physical units.
	Obstacle geometry.Box

	// SafetyMargin is subtracted from each face distance before the hinge.
	SafetyMargin float64

	PositionMode PositionMode

	// DeltaT is the integration step used with the Integrated position mode.
	DeltaT float64

	// DirectionalGating keeps the penalty only at steps whose action moves the end-effector towards
	// the obstacle center.
	DirectionalGating bool

	// StepWeights, if set, must have one weight per step of the horizon.
	StepWeights []float64

	// PenaltyScale multiplies the per-axis squared hinge. Zero is treated as 1.
	PenaltyScale float64

	// Task enables the auxiliary terms. If nil, the loss is only the obstacle term.
	Task *TaskTerms
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c2 := *c
	c2.StepWeights = slices.Clone(c.StepWeights)
	if c.Task != nil {
		task := *c.Task
		c2.Task = &task
	}
	return &c2
}

// TransitionDim is the width of a trajectory row.
func (c *Config) TransitionDim() int { return c.ActionDim + c.ObservationDim }

func (c *Config) penaltyScale() float64 {
	if c.PenaltyScale == 0 {
		return 1
	}
	return c.PenaltyScale
}

// targetIndex resolves a negative TargetIndex.
func (t *TaskTerms) targetIndex(obsDim int) int {
	if t.TargetIndex < 0 {
		return obsDim + t.TargetIndex
	}
	return t.TargetIndex
}

// Validate checks the configuration, independent of any trajectory.
func (c *Config) Validate() error {
	if c.ActionDim < 1 || c.ObservationDim < 3 {
		return configErrorf("action dimension (%d) must be >= 1 and observation dimension (%d) must be >= 3",
			c.ActionDim, c.ObservationDim)
	}
	if c.Obstacle.IsZero() {
		return configErrorf("obstacle box not set")
	}
	if c.SafetyMargin < 0 || math.IsNaN(c.SafetyMargin) {
		return configErrorf("safety margin must be >= 0, got %g", c.SafetyMargin)
	}
	if c.PenaltyScale < 0 {
		return configErrorf("penalty scale must be >= 0, got %g", c.PenaltyScale)
	}
	switch c.PositionMode {
	case Observed:
	case Integrated:
		if c.ActionDim < 3 {
			return configErrorf("integrated positions require an action dimension >= 3, got %d", c.ActionDim)
		}
		if !(c.DeltaT > 0) {
			return configErrorf("integrated positions require DeltaT > 0, got %g", c.DeltaT)
		}
	default:
		return configErrorf("unknown position mode %s", c.PositionMode)
	}
	if c.DirectionalGating && c.ActionDim < 3 {
		return configErrorf("directional gating requires an action dimension >= 3, got %d", c.ActionDim)
	}
	for ii, w := range c.StepWeights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return configErrorf("step weight #%d is %g, it must be finite and >= 0", ii, w)
		}
	}
	if c.Task != nil {
		t := c.Task
		obsDim := c.ObservationDim
		target := t.targetIndex(obsDim)
		for _, span := range []struct {
			name       string
			start, len int
		}{
			{"hand", t.HandIndex, 3}, {"gripper", t.GripperIndex, 1}, {"object", t.ObjectIndex, 3}, {"target", target, 3},
		} {
			if span.start < 0 || span.start+span.len > obsDim {
				return configErrorf("%s features [%d, %d) out of the observation range [0, %d)",
					span.name, span.start, span.start+span.len, obsDim)
			}
		}
		if t.SpeedWeight > 0 && (c.ActionDim < 2 || t.SpeedMin > t.SpeedMax) {
			return configErrorf("speed band [%g, %g] requires SpeedMin <= SpeedMax and an action dimension >= 2",
				t.SpeedMin, t.SpeedMax)
		}
		for _, w := range []float64{t.WallWeight, t.GraspWeight, t.TargetWeight, t.SmoothnessWeight, t.SpeedWeight, t.GraspSharpness} {
			if w < 0 || math.IsNaN(w) {
				return configErrorf("task weights and grasp sharpness must be >= 0, got %+v", *t)
			}
		}
	}
	return nil
}

// ValidateHorizon checks the parts of the configuration that depend on the trajectory horizon.
func (c *Config) ValidateHorizon(horizon int) error {
	if len(c.StepWeights) > 0 && len(c.StepWeights) != horizon {
		return configErrorf("%d step weights given for a horizon of %d steps", len(c.StepWeights), horizon)
	}
	return nil
}

// Preset names.
const (
	PresetWallProximity = "wall-proximity"
	PresetWallWeighted  = "wall-weighted"
	PresetWallObserved  = "wall-observed"
	PresetPickPlaceWall = "pick-place-wall"
)

// PresetNames lists the known presets.
var PresetNames = []string{PresetWallProximity, PresetWallWeighted, PresetWallObserved, PresetPickPlaceWall}

var (
	defaultWallCenter = r3.Vector{X: 0.1, Y: 0.6, Z: 0.075}
	pickPlaceWall     = must.M1(geometry.BoxFromDims(r3.Vector{X: 0.1, Y: 0.75, Z: 0.06}, r3.Vector{X: 0.12, Y: 0.01, Z: 0.06}))
)

// Preset returns one of the named configurations for the given layout.
//
//   - "wall-proximity": integrated positions, directional gating, penalty scaled by 10.
//   - "wall-weighted": integrated positions, uniform per-step weights over a horizon of 8.
//   - "wall-observed": observed positions, no gating.
//   - "pick-place-wall": observed positions, with grasp, target and smoothness terms.
func Preset(name string, actionDim, obsDim int) (*Config, error) {
	c := &Config{
		ActionDim:      actionDim,
		ObservationDim: obsDim,
		Obstacle:       geometry.MustNewBox(defaultWallCenter, r3.Vector{X: 0.1, Y: 0.01, Z: 0.12}),
		SafetyMargin:   0.1,
		DeltaT:         1,
		PenaltyScale:   1,
	}
	switch name {
	case PresetWallProximity:
		c.PositionMode = Integrated
		c.DirectionalGating = true
		c.PenaltyScale = 10
	case PresetWallWeighted:
		c.PositionMode = Integrated
		c.Obstacle = geometry.MustNewBox(defaultWallCenter, r3.Vector{X: 0.1, Y: 0.01, Z: 0.13})
		c.SafetyMargin = 0.07
		c.StepWeights = []float64{1, 1, 1, 1, 1, 1, 1, 1}
	case PresetWallObserved:
		c.PositionMode = Observed
		c.SafetyMargin = 0.3
	case PresetPickPlaceWall:
		c.PositionMode = Observed
		c.Obstacle = pickPlaceWall
		c.SafetyMargin = 0.3
		c.Task = &TaskTerms{
			HandIndex:        0,
			GripperIndex:     3,
			ObjectIndex:      4,
			TargetIndex:      -3,
			GraspSharpness:   5,
			SpeedMin:         0.5,
			SpeedMax:         0.8,
			WallWeight:       15,
			GraspWeight:      1,
			TargetWeight:     1.5,
			SmoothnessWeight: 1,
		}
	default:
		return nil, configErrorf("unknown preset %q, valid values are %q", name, PresetNames)
	}
	return c, nil
}

// Context hyperparameters read by ConfigFromContext.
//
// Their zero values (see DefaultParams) keep the preset's setting.
const (
	// ParamPreset is the name of the preset used as a starting point. Default "wall-proximity".
	ParamPreset = "guide_preset"

	// ParamWallCenter and ParamWallHalfExtents overwrite the obstacle box, as lists of 3 floats.
	ParamWallCenter      = "guide_wall_center"
	ParamWallHalfExtents = "guide_wall_half_extents"

	// ParamMargin overwrites the safety margin if >= 0.
	ParamMargin = "guide_margin"

	// ParamPositionMode is either "observed" or "integrated".
	ParamPositionMode = "guide_position_mode"

	ParamDeltaT       = "guide_delta_t"
	ParamPenaltyScale = "guide_penalty_scale"

	// ParamGating is "true" or "false".
	ParamGating = "guide_gating"

	// ParamStepWeights sets the per-step weights.
	ParamStepWeights = "guide_step_weights"

	// ParamTaskTerms set to false drops the auxiliary terms of the preset.
	ParamTaskTerms = "guide_task_terms"
)

// DefaultParams returns the guide hyperparameters with values that keep the preset's settings.
// Programs add them to their default context, so they can be changed from the command line.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamPreset:          PresetWallProximity,
		ParamWallCenter:      []float64{},
		ParamWallHalfExtents: []float64{},
		ParamMargin:          -1.0,
		ParamPositionMode:    "",
		ParamDeltaT:          0.0,
		ParamPenaltyScale:    0.0,
		ParamGating:          "",
		ParamStepWeights:     []float64{},
		ParamTaskTerms:       true,
	}
}

// ConfigFromContext creates the configuration from the context hyperparameters, starting from
// the preset given by ParamPreset and overwriting it with any other guide_* parameter set.
func ConfigFromContext(ctx *context.Context, actionDim, obsDim int) (*Config, error) {
	c, err := Preset(context.GetParamOr(ctx, ParamPreset, PresetWallProximity), actionDim, obsDim)
	if err != nil {
		return nil, err
	}
	center := context.GetParamOr(ctx, ParamWallCenter, []float64(nil))
	if len(center) == 0 {
		center = geometry.ToSlice(c.Obstacle.Center())
	}
	half := context.GetParamOr(ctx, ParamWallHalfExtents, []float64(nil))
	if len(half) == 0 {
		half = geometry.ToSlice(c.Obstacle.HalfExtents())
	}
	if len(center) != 3 || len(half) != 3 {
		return nil, configErrorf("%s and %s must have 3 values each, got %v and %v",
			ParamWallCenter, ParamWallHalfExtents, center, half)
	}
	c.Obstacle, err = geometry.NewBox(geometry.Vec(center), geometry.Vec(half))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if margin := context.GetParamOr(ctx, ParamMargin, -1.0); margin >= 0 {
		c.SafetyMargin = margin
	}
	if mode := context.GetParamOr(ctx, ParamPositionMode, ""); mode != "" {
		c.PositionMode, err = ParsePositionMode(mode)
		if err != nil {
			return nil, err
		}
	}
	if deltaT := context.GetParamOr(ctx, ParamDeltaT, 0.0); deltaT != 0 {
		c.DeltaT = deltaT
	}
	if scale := context.GetParamOr(ctx, ParamPenaltyScale, 0.0); scale != 0 {
		c.PenaltyScale = scale
	}
	if gating := context.GetParamOr(ctx, ParamGating, ""); gating != "" {
		c.DirectionalGating, err = strconv.ParseBool(gating)
		if err != nil {
			return nil, configErrorf("invalid %s=%q, it must be \"true\" or \"false\"", ParamGating, gating)
		}
	}
	if weights := context.GetParamOr(ctx, ParamStepWeights, []float64(nil)); len(weights) > 0 {
		c.StepWeights = slices.Clone(weights)
	}
	if !context.GetParamOr(ctx, ParamTaskTerms, true) {
		c.Task = nil
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
