// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// train fits the diffusion trajectory model on a demonstrations archive created by collect.
//
// Hyperparameters are changed with -set, e.g.: -set="horizon=16;train_steps=50000".
package main

import (
	"flag"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/guidedplanner/pkg/dataset"
	"github.com/gomlx/guidedplanner/pkg/diffuser"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagData       = flag.String("data", "~/work/guidedplanner/demos.bin", "Demonstrations archive to train on.")
	flagCheckpoint = flag.String("checkpoint", "~/work/guidedplanner/model", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := diffuser.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))

	archive := check1(dataset.Load(check1(fsutil.ReplaceTildeInDir(*flagData))))
	klog.Infof("Loaded %d trajectories (%s steps) of %q", archive.NumTrajectories,
		humanize.Comma(int64(archive.NumSteps())), archive.EnvName)
	norm := check1(archive.FitNormalizer())

	backend := backends.MustNew()
	config := check1(diffuser.NewConfig(backend, ctx, norm, paramsSet))
	windows := check1(archive.Windows(config.Horizon, norm))
	checkpointPath := *flagCheckpoint
	if checkpointPath != "" {
		checkpointPath = check1(fsutil.ReplaceTildeInDir(checkpointPath))
	}
	if err := diffuser.TrainModel(config, windows, checkpointPath, *flagVerbosity); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
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
