// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// collect runs the scripted expert policy of a sim task and saves the visited steps as a
// demonstrations archive, used to train the trajectory model.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/guidedplanner/pkg/collector"
	"k8s.io/klog/v2"
)

var (
	flagEnv             = flag.String("env", "pick-place-wall-v2", "Name of the sim task to collect demonstrations from.")
	flagNumTrajectories = flag.Int("num_trajectories", 1000, "Number of episodes to collect.")
	flagMaxPathLength   = flag.Int("max_path_length", 250, "Maximum number of steps of each episode.")
	flagSavePath        = flag.String("save_path", "~/work/guidedplanner/demos.bin", "File where to save the collected trajectories.")
	flagRenderVideos    = flag.Bool("render_videos", false, "Render some of the episodes as animated GIFs.")
	flagVideoPath       = flag.String("video_path", "~/work/guidedplanner/videos", "Directory where to save rendered episodes.")
	flagVideoFPS        = flag.Int("video_fps", 30, "Frames per second of the rendered episodes.")
	flagVideoDim        = flag.Int("video_dim", 256, "Width and height of the rendered episodes.")
	flagRenderEvery     = flag.Int("render_every", 100, "Render one in every N episodes, if --render_videos is set.")
	flagSeed            = flag.Uint64("seed", 0, "Seed used to sample the task variations.")
	flagProgress        = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := collector.DefaultConfig(*flagEnv)
	cfg.NumTrajectories = *flagNumTrajectories
	cfg.MaxPathLength = *flagMaxPathLength
	cfg.SavePath = check1(fsutil.ReplaceTildeInDir(*flagSavePath))
	cfg.RenderVideos = *flagRenderVideos
	cfg.VideoPath = check1(fsutil.ReplaceTildeInDir(*flagVideoPath))
	cfg.VideoFPS = *flagVideoFPS
	cfg.VideoDims = [2]int{*flagVideoDim, *flagVideoDim}
	cfg.RenderEvery = *flagRenderEvery
	cfg.Seed = *flagSeed
	if *flagProgress {
		cfg.Progress = os.Stdout
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	archive, err := collector.Collect(ctx, cfg)
	if err != nil {
		klog.Fatalf("Failed to collect trajectories: %+v", err)
	}
	klog.Infof("Collected %d trajectories from %q, %.1f%% successful", archive.NumTrajectories, archive.EnvName,
		100*archive.SuccessRate())
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
