// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collector runs the scripted expert policy of a sim task for a number of episodes and
// stores the visited steps as a dataset.Archive, optionally rendering some episodes as animations.
package collector

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/guidedplanner/internal/progress"
	"github.com/gomlx/guidedplanner/pkg/dataset"
	"github.com/gomlx/guidedplanner/pkg/render"
	"github.com/gomlx/guidedplanner/pkg/sim"
	"github.com/gomlx/guidedplanner/pkg/sim/policies"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a collection run.
type Config struct {
	// EnvName is the sim task to collect from.
	EnvName string

	// NumTrajectories is the number of episodes to collect.
	NumTrajectories int

	// MaxPathLength is the step budget of each episode.
	MaxPathLength int

	// SavePath where to write the archive. If empty the archive is only returned.
	SavePath string

	// RenderVideos enables recording some of the episodes (see RenderEvery) to VideoPath.
	RenderVideos bool
	VideoPath    string
	VideoFPS     int

	// VideoDims are the width and height of the rendered frames.
	VideoDims [2]int

	// RenderEvery renders one in every RenderEvery episodes, starting with the first.
	RenderEvery int

	// Seed for the sampling of task variations.
	Seed uint64

	// Progress, if not nil, is where a progress bar is displayed.
	Progress io.Writer
}

// DefaultConfig returns the default configuration for the environment.
func DefaultConfig(envName string) Config {
	return Config{
		EnvName:         envName,
		NumTrajectories: 1000,
		MaxPathLength:   250,
		VideoPath:       "videos",
		VideoFPS:        30,
		VideoDims:       [2]int{256, 256},
		RenderEvery:     100,
	}
}

// Validate the configuration values.
func (c *Config) Validate() error {
	if c.NumTrajectories <= 0 {
		return errors.Errorf("number of trajectories must be > 0, got %d", c.NumTrajectories)
	}
	if c.MaxPathLength <= 0 {
		return errors.Errorf("max path length must be > 0, got %d", c.MaxPathLength)
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
	return filepath.Join(c.VideoPath, fmt.Sprintf("%s_trajectory_%d.gif", c.EnvName, episode))
}

// Collect runs the collection, saves the archive if Config.SavePath is set, and returns it.
//
// Unknown environments or tasks without a scripted policy fail before any episode is run.
// Cancelling ctx stops the collection between episodes, and nothing is saved.
func Collect(ctx context.Context, cfg Config) (*dataset.Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	env, err := sim.Make(cfg.EnvName, cfg.Seed)
	if err != nil {
		return nil, err
	}
	env.WithMaxPathLength(cfg.MaxPathLength)
	policy, err := policies.For(env)
	if err != nil {
		return nil, err
	}
	var recorder *render.Recorder
	if cfg.RenderVideos {
		recorder, err = render.NewRecorder(cfg.VideoDims[0], cfg.VideoDims[1], cfg.VideoFPS)
		if err != nil {
			return nil, err
		}
	}

	archive := dataset.New(cfg.EnvName, sim.ActionDim, env.ObservationDim())
	var bar *progress.Bar
	if cfg.Progress != nil {
		bar = progress.New(cfg.Progress, cfg.NumTrajectories, "trajectories")
		defer bar.Done()
	}
	start := time.Now()
	var numSuccesses int
	for episode := range cfg.NumTrajectories {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "collection interrupted after %d trajectories", episode)
		}
		record := recorder != nil && episode%cfg.RenderEvery == 0
		trajectory, err := runEpisode(env, policy, cfg.MaxPathLength, record, recorder)
		if err != nil {
			return nil, errors.WithMessagef(err, "episode #%d", episode)
		}
		if err := archive.Add(trajectory); err != nil {
			return nil, err
		}
		if trajectory.Success {
			numSuccesses++
		}
		klog.V(1).Infof("Episode %d: %d steps, return %.2f, success=%v",
			episode, trajectory.Len(), trajectory.Return(), trajectory.Success)
		if record {
			videoFile := cfg.VideoFile(episode)
			if err := recorder.Save(videoFile); err != nil {
				return nil, err
			}
			klog.Infof("Saved video to %s", videoFile)
		}
		if bar != nil {
			bar.Update(
				progress.Row{Name: "Success rate", Value: fmt.Sprintf("%.1f%%", 100*float64(numSuccesses)/float64(episode+1))},
				progress.Row{Name: "Steps", Value: humanize.Comma(int64(archive.NumSteps()))},
			)
		}
	}
	klog.V(1).Infof("Collected %d trajectories (%s steps, %.1f%% successful) in %s",
		archive.NumTrajectories, humanize.Comma(int64(archive.NumSteps())), 100*archive.SuccessRate(), time.Since(start))

	if cfg.SavePath != "" {
		if err := archive.Save(cfg.SavePath); err != nil {
			return nil, err
		}
		if info, err := os.Stat(cfg.SavePath); err == nil {
			klog.Infof("Data saved to %s (%s)", cfg.SavePath, humanize.Bytes(uint64(info.Size())))
		}
	}
	return archive, nil
}

// runEpisode runs one episode from a fresh task variation. The episode ends on success or when
// the step budget is exhausted, the latter marked as a timeout on the last step.
func runEpisode(env sim.Environment, policy policies.Policy, maxPathLength int,
	record bool, recorder *render.Recorder) (*dataset.Trajectory, error) {
	observation := env.Reset()
	if record {
		recorder.Reset()
		if err := recorder.Add(env.Scene()); err != nil {
			return nil, err
		}
	}
	trajectory := &dataset.Trajectory{}
	for step := range maxPathLength {
		action := policy.Action(observation)
		result, err := env.Step(action)
		if err != nil {
			return nil, err
		}
		lastStep := step == maxPathLength-1 || result.Truncated
		timeout := lastStep && !result.Success
		trajectory.Append(observation, action, result.Reward, result.Success, timeout)
		observation = result.Observation
		if record {
			if err := recorder.Add(env.Scene()); err != nil {
				return nil, err
			}
		}
		if result.Success {
			trajectory.Success = true
			break
		}
		if lastStep {
			break
		}
	}
	return trajectory, nil
}
