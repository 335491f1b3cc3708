package refine

import (
	"bytes"
	"fmt"
	"image/color"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/scene"
)

var (
	appearedColor    = color.RGBA{R: 0x2e, G: 0x9e, B: 0x44, A: 255}
	disappearedColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255}
)

const plotSize = 8 * vg.Inch

func kindColor(k scene.Kind) color.Color {
	if k == scene.KindDisappeared {
		return disappearedColor
	}
	return appearedColor
}

// PlotChangePoints renders a top-down (X/Y) scatter of change points as SVG.
func PlotChangePoints(fsys fsutil.FileSystem, path string, points []scene.ChangePoint) error {
	p := newTopDownPlot(fmt.Sprintf("Change points (%d)", len(points)))

	byKind := map[scene.Kind]plotter.XYs{}
	for _, pt := range points {
		byKind[pt.Kind] = append(byKind[pt.Kind], plotter.XY{X: pt.Position.X, Y: pt.Position.Y})
	}
	for _, k := range []scene.Kind{scene.KindAppeared, scene.KindDisappeared} {
		xys := byKind[k]
		if len(xys) == 0 {
			continue
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("scatter %s: %w", k, err)
		}
		s.GlyphStyle.Color = kindColor(k)
		s.GlyphStyle.Radius = vg.Points(1.5)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add(k.String(), s)
	}
	if len(points) == 0 {
		setEmptyRange(p)
	}
	return savePlot(fsys, path, p)
}

// PlotClusters renders cluster extents and centroids top-down as SVG. Each
// centroid is labelled with its cluster id.
func PlotClusters(fsys fsutil.FileSystem, path string, clusters []scene.ChangeCluster) error {
	p := newTopDownPlot(fmt.Sprintf("Refined change clusters (%d)", len(clusters)))

	labels := plotter.XYLabels{}
	legend := map[scene.Kind]bool{}
	for _, c := range clusters {
		outline, err := plotter.NewLine(plotter.XYs{
			{X: c.Min.X, Y: c.Min.Y},
			{X: c.Max.X, Y: c.Min.Y},
			{X: c.Max.X, Y: c.Max.Y},
			{X: c.Min.X, Y: c.Max.Y},
			{X: c.Min.X, Y: c.Min.Y},
		})
		if err != nil {
			return fmt.Errorf("cluster %d outline: %w", c.ID, err)
		}
		outline.Color = kindColor(c.Kind)
		outline.Width = vg.Points(1)

		centroid, err := plotter.NewScatter(plotter.XYs{{X: c.Centroid.X, Y: c.Centroid.Y}})
		if err != nil {
			return fmt.Errorf("cluster %d centroid: %w", c.ID, err)
		}
		centroid.GlyphStyle.Color = kindColor(c.Kind)
		centroid.GlyphStyle.Radius = vg.Points(3)
		centroid.GlyphStyle.Shape = draw.CrossGlyph{}

		p.Add(outline, centroid)
		if !legend[c.Kind] {
			p.Legend.Add(c.Kind.String(), outline)
			legend[c.Kind] = true
		}

		labels.XYs = append(labels.XYs, plotter.XY{X: c.Centroid.X, Y: c.Centroid.Y})
		labels.Labels = append(labels.Labels, strconv.Itoa(c.ID))
	}

	if len(clusters) == 0 {
		setEmptyRange(p)
	} else {
		l, err := plotter.NewLabels(labels)
		if err != nil {
			return fmt.Errorf("cluster labels: %w", err)
		}
		p.Add(l)
	}
	return savePlot(fsys, path, p)
}

func newTopDownPlot(title string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

func setEmptyRange(p *plot.Plot) {
	p.X.Min, p.X.Max = -1, 1
	p.Y.Min, p.Y.Max = -1, 1
}

func savePlot(fsys fsutil.FileSystem, path string, p *plot.Plot) error {
	w, err := p.WriterTo(plotSize, plotSize, "svg")
	if err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	if err := fsys.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
