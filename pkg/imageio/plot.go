package imageio

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"dcrcoadd/internal/models"
)

// PlotConvergence draws the convergence metric and gain of every iteration.
// The format follows the extension of filename (png, svg, pdf).
func PlotConvergence(records []models.IterationRecord, title, filename string) error {
	if len(records) == 0 {
		return fmt.Errorf("no iterations to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Convergence"

	conv := make(plotter.XYs, 0, len(records))
	gain := make(plotter.XYs, 0, len(records))
	for _, r := range records {
		if isFinite(r.Convergence) {
			conv = append(conv, plotter.XY{X: float64(r.Iteration), Y: r.Convergence})
		}
		if r.Iteration > 0 {
			gain = append(gain, plotter.XY{X: float64(r.Iteration), Y: r.Gain})
		}
	}

	if len(conv) > 0 {
		line, points, err := plotter.NewLinePoints(conv)
		if err != nil {
			return err
		}
		line.Width = vg.Points(1)
		p.Add(line, points)
		p.Legend.Add("convergence", line, points)
	}
	if len(gain) > 0 {
		line, err := plotter.NewLine(gain)
		if err != nil {
			return err
		}
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("gain", line)
	}
	p.Add(plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, filename)
}
