// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// plan controls a sim task with the trained trajectory model, steering its sampling away from the
// wall with the obstacle-penalty guide.
//
// Sampling and guide hyperparameters are changed with -set, e.g.:
// -set="guide_preset=wall-weighted;guide_margin=0.05;n_guide_steps=4".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/guidedplanner/pkg/diffuser"
	"github.com/gomlx/guidedplanner/pkg/guide"
	"github.com/gomlx/guidedplanner/pkg/planner"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint       = flag.String("checkpoint", "~/work/guidedplanner/model", "Directory with the trained model.")
	flagEnv              = flag.String("env", "pick-place-wall-v2", "Name of the sim task to plan on.")
	flagEpisodes         = flag.Int("episodes", 10, "Number of episodes to run.")
	flagMaxEpisodeLength = flag.Int("max_episode_length", 500, "Maximum number of steps of each episode.")
	flagBatchSize        = flag.Int("batch_size", 64, "Number of trajectories sampled at each control step.")
	flagGuided           = flag.Bool("guided", true, "Steer the sampling with the obstacle guide. If false, the first sampled trajectory is executed.")
	flagRenderVideos     = flag.Bool("render_videos", false, "Render episodes as animated GIFs.")
	flagVideoPath        = flag.String("video_path", "~/work/guidedplanner/videos", "Directory where to save rendered episodes.")
	flagVideoFPS         = flag.Int("video_fps", 30, "Frames per second of the rendered episodes.")
	flagVideoDim         = flag.Int("video_dim", 256, "Width and height of the rendered episodes.")
	flagRenderEvery      = flag.Int("render_every", 1, "Render one in every N episodes, if --render_videos is set.")
	flagSeed             = flag.Uint64("seed", 0, "Seed used to sample the task variations.")
	flagProgress         = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	ctx := diffuser.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	checkpointPath := check1(fsutil.ReplaceTildeInDir(*flagCheckpoint))
	config := check1(diffuser.LoadConfig(backend, ctx, checkpointPath, paramsSet))
	var guideCfg *guide.Config
	if *flagGuided {
		guideCfg = check1(guide.ConfigFromContext(ctx, config.ActionDim, config.ObservationDim))
		klog.V(1).Infof("Guide: obstacle %s, margin %g, %s positions, gating=%v",
			guideCfg.Obstacle, guideCfg.SafetyMargin, guideCfg.PositionMode, guideCfg.DirectionalGating)
	}
	sampler := check1(diffuser.NewSampler(config, guideCfg))
	defer sampler.Finalize()

	cfg := planner.DefaultConfig(*flagEnv)
	cfg.NumEpisodes = *flagEpisodes
	cfg.MaxEpisodeLength = *flagMaxEpisodeLength
	cfg.BatchSize = *flagBatchSize
	cfg.RenderVideos = *flagRenderVideos
	cfg.VideoPath = check1(fsutil.ReplaceTildeInDir(*flagVideoPath))
	cfg.VideoFPS = *flagVideoFPS
	cfg.VideoDims = [2]int{*flagVideoDim, *flagVideoDim}
	cfg.RenderEvery = *flagRenderEvery
	cfg.Seed = *flagSeed
	if *flagProgress {
		cfg.Progress = os.Stdout
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	results, err := planner.Run(runCtx, cfg, sampler)
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
	fmt.Println(planner.Summary(results))
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
