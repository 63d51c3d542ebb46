// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package planner runs episodes of a sim task controlled by a guided diffusion sampler: at every
// control step it samples trajectories starting at the current observation, and executes the first
// action of the best one.
package planner

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang/geo/r3"
	"github.com/gomlx/guidedplanner/internal/progress"
	"github.com/gomlx/guidedplanner/pkg/diffuser"
	"github.com/gomlx/guidedplanner/pkg/geometry"
	"github.com/gomlx/guidedplanner/pkg/guide"
	"github.com/gomlx/guidedplanner/pkg/render"
	"github.com/gomlx/guidedplanner/pkg/sim"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a planning run.
type Config struct {
	// EnvName is the sim task to plan on.
	EnvName string

	// NumEpisodes to run, each from a new task variation.
	NumEpisodes int

	// MaxEpisodeLength is the step budget of each episode.
	MaxEpisodeLength int

	// BatchSize is the number of trajectories sampled at each control step.
	BatchSize int

	// RenderVideos enables recording one in every RenderEvery episodes to VideoPath.
	RenderVideos bool
	VideoPath    string
	VideoFPS     int
	VideoDims    [2]int
	RenderEvery  int

	// Seed for the sampling of task variations.
	Seed uint64

	// Progress, if not nil, is where a progress bar is displayed.
	Progress io.Writer
}

// DefaultConfig returns the default configuration for the environment.
func DefaultConfig(envName string) Config {
	return Config{
		EnvName:          envName,
		NumEpisodes:      10,
		MaxEpisodeLength: 500,
		BatchSize:        64,
		VideoPath:        "videos",
		VideoFPS:         30,
		VideoDims:        [2]int{256, 256},
		RenderEvery:      1,
	}
}

// Validate the configuration values.
func (c *Config) Validate() error {
	if c.NumEpisodes <= 0 {
		return errors.Errorf("number of episodes must be > 0, got %d", c.NumEpisodes)
	}
	if c.MaxEpisodeLength <= 0 {
		return errors.Errorf("max episode length must be > 0, got %d", c.MaxEpisodeLength)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", c.BatchSize)
	}
	if c.RenderVideos {
		if c.VideoPath == "" {
			return errors.New("video path required to render videos")
		}
		if c.RenderEvery <= 0 {
			return errors.Errorf("render-every must be > 0, got %d", c.RenderEvery)
		}
	}
	return nil
}

// VideoFile returns the animation file name for an episode.
func (c *Config) VideoFile(episode int) string {
	return filepath.Join(c.VideoPath, fmt.Sprintf("%s_plan_%d.gif", c.EnvName, episode))
}

// EpisodeResult summarizes one planned episode.
type EpisodeResult struct {
	Episode int
	Success bool
	Steps   int
	Return  float64

	// MinClearance is the smallest distance from the hand to the wall over the episode,
	// or +Inf if the task has no wall.
	MinClearance float64

	// Violations is the number of steps that ended with the hand within the safety margin of
	// the wall on all three axes.
	Violations int

	// Video file the episode was rendered to, if any.
	Video string
}

// planner holds the per-run state shared by the episodes.
type planner struct {
	cfg      Config
	env      sim.Environment
	sampler  *diffuser.Sampler
	recorder *render.Recorder

	// wall of the environment, and the margin used to count violations.
	wall   *geometry.Box
	margin float64

	// guided is the obstacle of the guide, used for the diagnostics of the predicted steps.
	guided *guide.Config

	low, high []float64
}

// Run plans cfg.NumEpisodes episodes with the sampler, and returns their results.
//
// The sampler's model must match the environment's action and observation dimensions.
// Cancelling ctx stops the run between control steps.
func Run(ctx context.Context, cfg Config, sampler *diffuser.Sampler) ([]EpisodeResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	env, err := sim.Make(cfg.EnvName, cfg.Seed)
	if err != nil {
		return nil, err
	}
	env.WithMaxPathLength(cfg.MaxEpisodeLength)
	return runEnv(ctx, cfg, env, sampler)
}

func runEnv(ctx context.Context, cfg Config, env sim.Environment, sampler *diffuser.Sampler) ([]EpisodeResult, error) {
	model := sampler.ModelConfig()
	if model.ObservationDim != env.ObservationDim() || model.ActionDim != sim.ActionDim {
		return nil, errors.Wrapf(guide.ErrInvalidConfig,
			"model of %d actions and %d observations can't plan on %q, with %d actions and %d observations",
			model.ActionDim, model.ObservationDim, env.Name(), sim.ActionDim, env.ObservationDim())
	}
	p := &planner{cfg: cfg, env: env, sampler: sampler}
	p.low, p.high = env.ActionBounds()
	if box, ok := env.Obstacle(); ok {
		p.wall = &box
	}
	if eval := sampler.Evaluator(); eval != nil {
		p.guided = eval.Config()
		p.margin = p.guided.SafetyMargin
	}
	if cfg.RenderVideos {
		var err error
		p.recorder, err = render.NewRecorder(cfg.VideoDims[0], cfg.VideoDims[1], cfg.VideoFPS)
		if err != nil {
			return nil, err
		}
	}

	var bar *progress.Bar
	if cfg.Progress != nil {
		bar = progress.New(cfg.Progress, cfg.NumEpisodes, "episodes")
		defer bar.Done()
	}
	start := time.Now()
	results := make([]EpisodeResult, 0, cfg.NumEpisodes)
	var numSuccesses int
	var totalReturn float64
	for episode := range cfg.NumEpisodes {
		record := p.recorder != nil && episode%cfg.RenderEvery == 0
		result, err := p.runEpisode(ctx, episode, record)
		if err != nil {
			return nil, errors.WithMessagef(err, "episode #%d", episode)
		}
		results = append(results, result)
		if result.Success {
			numSuccesses++
		}
		totalReturn += result.Return
		klog.V(1).Infof("Episode %d: %d steps, return %.2f, success=%v, violations=%d",
			episode, result.Steps, result.Return, result.Success, result.Violations)
		if bar != nil {
			bar.Update(
				progress.Row{Name: "Success rate", Value: fmt.Sprintf("%.1f%%", 100*float64(numSuccesses)/float64(episode+1))},
				progress.Row{Name: "Mean return", Value: fmt.Sprintf("%.2f", totalReturn/float64(episode+1))},
			)
		}
	}
	klog.V(1).Infof("Planned %d episodes (%.1f%% successful) in %s",
		len(results), 100*SuccessRate(results), time.Since(start))
	return results, nil
}

// runEpisode runs one episode from a fresh task variation, until success or the step budget is exhausted.
func (p *planner) runEpisode(ctx context.Context, episode int, record bool) (EpisodeResult, error) {
	result := EpisodeResult{Episode: episode, MinClearance: math.Inf(1)}
	observation := p.env.Reset()
	if record {
		p.recorder.Reset()
		if err := p.recorder.Add(p.env.Scene()); err != nil {
			return result, err
		}
	}
	for step := range p.cfg.MaxEpisodeLength {
		if err := ctx.Err(); err != nil {
			return result, errors.Wrapf(err, "planning interrupted at step %d", step)
		}
		samples, err := p.sampler.Sample(observation, p.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		action := ClipAction(samples.Actions[0][0], p.low, p.high)
		stepResult, err := p.env.Step(action)
		if err != nil {
			return result, err
		}
		result.Steps++
		result.Return += stepResult.Reward
		observation = stepResult.Observation

		hand := geometry.Vec(observation[sim.HandIndex : sim.HandIndex+3])
		if p.wall != nil {
			result.MinClearance = min(result.MinClearance, p.wall.Clearance(hand))
			if p.wall.InViolation(hand, p.margin) {
				result.Violations++
			}
		}
		if klog.V(1).Enabled() {
			p.logStep(step, stepResult, result.Return, samples, hand)
		}
		if record {
			if err := p.recorder.Add(p.env.Scene()); err != nil {
				return result, err
			}
		}
		if stepResult.Success {
			result.Success = true
			break
		}
		if stepResult.Truncated {
			break
		}
	}
	if record {
		result.Video = p.cfg.VideoFile(episode)
		if err := p.recorder.Save(result.Video); err != nil {
			return result, err
		}
		klog.Infof("Saved video to %s", result.Video)
	}
	return result, nil
}

// logStep logs the outcome of a control step, along with the obstacle diagnostics of the position
// predicted for the next step by the executed sample.
func (p *planner) logStep(step int, stepResult sim.StepResult, totalReturn float64, samples *diffuser.Samples, hand r3.Vector) {
	klog.Infof("Step %d: reward=%.3f, return=%.3f, success=%v, values=[%.4g ... %.4g]",
		step, stepResult.Reward, totalReturn, stepResult.Success,
		samples.Values[0], samples.Values[len(samples.Values)-1])
	if p.guided == nil {
		return
	}
	predicted := hand
	if len(samples.Observations[0]) > 1 {
		next := samples.Observations[0][1]
		predicted = geometry.Vec(next[sim.HandIndex : sim.HandIndex+3])
	}
	box, margin := p.guided.Obstacle, p.guided.SafetyMargin
	klog.Infof("  predicted hand %v: face distances %v, in violation=%v, penetration=%.4g; actual hand %v: in violation=%v",
		predicted, box.FaceDistances(predicted), box.InViolation(predicted, margin), box.Penetration(predicted, margin),
		hand, box.InViolation(hand, margin))
}

// ClipAction clips the hand displacement components of action (the first three) to the bounds.
// The remaining components (the gripper) are kept as sampled.
func ClipAction(action, low, high []float64) []float64 {
	clipped := make([]float64, len(action))
	copy(clipped, action)
	for ii := range min(3, len(clipped)) {
		clipped[ii] = max(low[ii], min(high[ii], clipped[ii]))
	}
	return clipped
}

// SuccessRate returns the fraction of successful episodes.
func SuccessRate(results []EpisodeResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var count int
	for _, r := range results {
		if r.Success {
			count++
		}
	}
	return float64(count) / float64(len(results))
}

// Summary renders a table with one row per episode.
func Summary(results []EpisodeResult) string {
	rows := make([][]string, 0, len(results)+1)
	var totalReturn float64
	var totalViolations int
	for _, r := range results {
		clearance := "-"
		if !math.IsInf(r.MinClearance, 1) {
			clearance = fmt.Sprintf("%.3f", r.MinClearance)
		}
		rows = append(rows, []string{
			strconv.Itoa(r.Episode), strconv.FormatBool(r.Success), strconv.Itoa(r.Steps),
			fmt.Sprintf("%.2f", r.Return), clearance, strconv.Itoa(r.Violations),
		})
		totalReturn += r.Return
		totalViolations += r.Violations
	}
	if len(results) > 0 {
		rows = append(rows, []string{
			"all", fmt.Sprintf("%.1f%%", 100*SuccessRate(results)), "",
			fmt.Sprintf("%.2f", totalReturn/float64(len(results))), "", strconv.Itoa(totalViolations),
		})
	}
	return progress.Table([]string{"Episode", "Success", "Steps", "Return", "Min clearance", "Violations"}, rows)
}
