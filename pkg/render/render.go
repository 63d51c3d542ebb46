// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package render draws snapshots of the sim arena (a top view and a side view) and records them
// into animated GIFs.
package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/gomlx/guidedplanner/pkg/geometry"
	"github.com/gomlx/guidedplanner/pkg/sim"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Base resolution of each view, before resizing to the requested frame dimensions.
const (
	viewWidth  = 320
	viewHeight = 320
)

var (
	wallColor   = color.RGBA{R: 120, G: 120, B: 120, A: 200}
	goalColor   = color.RGBA{G: 160, A: 255}
	objectColor = color.RGBA{B: 200, A: 255}
	handColor   = color.RGBA{R: 220, A: 255}
	trailColor  = color.RGBA{R: 220, G: 140, B: 140, A: 255}
)

// projection selects the two coordinates of a view.
type projection struct {
	name         string
	xName, yName string
	project      func(v r3.Vector) (float64, float64)
}

var (
	topView = projection{
		name: "top", xName: "x", yName: "y",
		project: func(v r3.Vector) (float64, float64) { return v.X, v.Y },
	}
	sideView = projection{
		name: "side", xName: "y", yName: "z",
		project: func(v r3.Vector) (float64, float64) { return v.Y, v.Z },
	}
)

func (p projection) xy(v r3.Vector) plotter.XY {
	x, y := p.project(v)
	return plotter.XY{X: x, Y: y}
}

// Frame renders the scene as an image of the given dimensions: the top view (x-y) on the left and the
// side view (y-z) on the right. The trail, if given, is drawn as the path of the hand.
func Frame(scene sim.Scene, trail []r3.Vector, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	frame := imaging.New(2*viewWidth, viewHeight, color.White)
	for ii, view := range []projection{topView, sideView} {
		img, err := drawView(view, scene, trail)
		if err != nil {
			return nil, errors.WithMessagef(err, "drawing %s view", view.name)
		}
		frame = imaging.Paste(frame, img, image.Pt(ii*viewWidth, 0))
	}
	if width == 2*viewWidth && height == viewHeight {
		return frame, nil
	}
	return imaging.Resize(frame, width, height, imaging.Linear), nil
}

func drawView(view projection, scene sim.Scene, trail []r3.Vector) (image.Image, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s view, step %d", view.name, scene.Step)
	p.X.Label.Text = view.xName
	p.Y.Label.Text = view.yName
	p.X.Min, p.Y.Min = view.project(sim.WorkspaceLow)
	p.X.Max, p.Y.Max = view.project(sim.WorkspaceHigh)

	if scene.Obstacle != nil {
		wall, err := plotter.NewPolygon(boxOutline(view, *scene.Obstacle))
		if err != nil {
			return nil, err
		}
		wall.Color = wallColor
		wall.LineStyle.Width = 0
		p.Add(wall)
	}
	if len(trail) > 1 {
		xys := make(plotter.XYs, len(trail))
		for ii, v := range trail {
			xys[ii] = view.xy(v)
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, err
		}
		line.LineStyle.Color = trailColor
		line.LineStyle.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
		p.Add(line)
	}

	markers := []struct {
		label    string
		position r3.Vector
		color    color.Color
		shape    draw.GlyphDrawer
	}{
		{"goal", scene.Goal, goalColor, draw.CrossGlyph{}},
		{"object", scene.Object, objectColor, draw.BoxGlyph{}},
		{"hand", scene.Hand, handColor, draw.CircleGlyph{}},
	}
	for _, m := range markers {
		scatter, err := plotter.NewScatter(plotter.XYs{view.xy(m.position)})
		if err != nil {
			return nil, err
		}
		scatter.GlyphStyle.Color = m.color
		scatter.GlyphStyle.Shape = m.shape
		scatter.GlyphStyle.Radius = vg.Points(4)
		p.Add(scatter)
		if view.name == topView.name {
			p.Legend.Add(m.label, scatter)
		}
	}

	canvas := vgimg.New(vg.Points(viewWidth), vg.Points(viewHeight))
	p.Draw(draw.New(canvas))
	return canvas.Image(), nil
}

// boxOutline returns the rectangle of the box projected on the view.
func boxOutline(view projection, box geometry.Box) plotter.XYs {
	x0, y0 := view.project(box.Min())
	x1, y1 := view.project(box.Max())
	return plotter.XYs{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}
