// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package render

import (
	"bufio"
	"image"
	"image/color/palette"
	stddraw "image/draw"
	"image/gif"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/gomlx/guidedplanner/pkg/sim"
	"github.com/pkg/errors"
)

// Recorder accumulates frames of an episode and saves them as an animated GIF.
type Recorder struct {
	width, height, fps int
	frames             []*image.Paletted
	trail              []r3.Vector
}

// NewRecorder creates a recorder of frames with the given dimensions, played back at fps frames
// per second.
func NewRecorder(width, height, fps int) (*Recorder, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid video dimensions %dx%d", width, height)
	}
	if fps <= 0 || fps > 100 {
		return nil, errors.Errorf("video fps must be in [1, 100], got %d", fps)
	}
	return &Recorder{width: width, height: height, fps: fps}, nil
}

// Len returns the number of recorded frames.
func (r *Recorder) Len() int { return len(r.frames) }

// Reset discards the recorded frames, to start a new episode.
func (r *Recorder) Reset() {
	r.frames = nil
	r.trail = nil
}

// Add renders the scene as a new frame. The hand positions of all frames added since the last
// Reset are drawn as a trail.
func (r *Recorder) Add(scene sim.Scene) error {
	r.trail = append(r.trail, scene.Hand)
	img, err := Frame(scene, r.trail, r.width, r.height)
	if err != nil {
		return err
	}
	paletted := image.NewPaletted(img.Bounds(), palette.Plan9)
	stddraw.Draw(paletted, paletted.Rect, img, img.Bounds().Min, stddraw.Src)
	r.frames = append(r.frames, paletted)
	return nil
}

// Save writes the recorded frames as an animated GIF, creating the directory if needed.
func (r *Recorder) Save(filePath string) error {
	if len(r.frames) == 0 {
		return errors.Errorf("no frames recorded for %q", filePath)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	anim := &gif.GIF{
		Image: r.frames,
		Delay: make([]int, len(r.frames)),
	}
	for ii := range anim.Delay {
		// In units of 100ths of a second.
		anim.Delay[ii] = 100 / r.fps
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	w := bufio.NewWriter(f)
	err = gif.EncodeAll(w, anim)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "writing %q", filePath)
}
