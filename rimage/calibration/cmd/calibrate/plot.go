package main

import (
	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/projcalib/rimage/calibration"
)

// saveResidualPlot draws every reprojection residual as a point, one color per sample.
func saveResidualPlot(report *calibration.ReprojectionReport, path string) error {
	p := plot.New()
	p.Title.Text = "reprojection residuals"
	p.X.Label.Text = "du (px)"
	p.Y.Label.Text = "dv (px)"
	for i, res := range report.Residuals {
		if len(res) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(res))
		for j, r := range res {
			xys[j].X, xys[j].Y = r.X, r.Y
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = sampleColor(i, len(report.Residuals))
		s.GlyphStyle.Radius = vg.Points(2)
		p.Add(s)
	}
	p.Add(plotter.NewGrid())
	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}

// sampleColor spreads the hues of n samples evenly around the color wheel.
func sampleColor(i, n int) colorful.Color {
	return colorful.Hsv(360*float64(i)/float64(n), 0.8, 0.85).Clamped()
}
