package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/scivi-tools/readingtracker/internal/calib"
	"github.com/scivi-tools/readingtracker/internal/db"
	"github.com/scivi-tools/readingtracker/internal/geom"
	"github.com/scivi-tools/readingtracker/internal/security"
)

// directionsPlot draws every pattern node twice: the gaze the tracker
// reported while the participant fixated it and that gaze after its own
// correction, joined by a line.
func directionsPlot(c *db.Calibration) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Calibration %d - gaze per node", c.ID)
	p.X.Label.Text = "Azimuth (deg)"
	p.Y.Label.Text = "Elevation (deg)"
	p.Add(plotter.NewGrid())

	measured := make(plotter.XYs, len(c.Points))
	corrected := make(plotter.XYs, len(c.Points))
	labels := make([]string, len(c.Points))
	for i, pt := range c.Points {
		measured[i].X, measured[i].Y = pt.AzEl()
		fixed := calib.Point{Gaze: geom.Rotate(geom.Normalize(pt.Correction), pt.Gaze)}
		corrected[i].X, corrected[i].Y = fixed.AzEl()
		labels[i] = strconv.Itoa(i)

		shift, err := plotter.NewLine(plotter.XYs{measured[i], corrected[i]})
		if err != nil {
			return nil, err
		}
		shift.Color = plotutil.Color(2)
		shift.Width = vg.Points(0.5)
		shift.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
		p.Add(shift)
	}

	for i, set := range []struct {
		name  string
		xys   plotter.XYs
		shape draw.GlyphDrawer
	}{
		{"reported", measured, draw.CircleGlyph{}},
		{"corrected", corrected, draw.CrossGlyph{}},
	} {
		s, err := plotter.NewScatter(set.xys)
		if err != nil {
			return nil, err
		}
		s.GlyphStyle.Color = plotutil.Color(i)
		s.GlyphStyle.Shape = set.shape
		s.GlyphStyle.Radius = vg.Points(3)
		p.Add(s)
		p.Legend.Add(set.name, s)
	}

	l, err := plotter.NewLabels(plotter.XYLabels{XYs: measured, Labels: labels})
	if err != nil {
		return nil, err
	}
	l.Offset = vg.Point{X: vg.Points(4), Y: vg.Points(4)}
	p.Add(l)
	return p, nil
}

// correctionsPlot draws the rotation angle of each node's correction.
func correctionsPlot(c *db.Calibration) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Calibration %d - correction per node", c.ID)
	p.X.Label.Text = "Node"
	p.Y.Label.Text = "Correction (deg)"

	values := make(plotter.Values, len(c.Points))
	names := make([]string, len(c.Points))
	for i, pt := range c.Points {
		values[i] = pt.CorrectionDeg()
		names[i] = strconv.Itoa(i)
	}
	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return nil, err
	}
	bars.Color = plotutil.Color(0)
	p.Add(bars)
	p.NominalX(names...)
	return p, nil
}

// writeReport saves both plots for c under
// outDir/<session>/calibration_<id> and returns the files written.
func writeReport(c *db.Calibration, outDir string) ([]string, error) {
	if len(c.Points) == 0 {
		return nil, fmt.Errorf("calibration %d has no points", c.ID)
	}
	dir := filepath.Join(outDir, security.SafeName(c.SessionID), fmt.Sprintf("calibration_%d", c.ID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	dirPlot, err := directionsPlot(c)
	if err != nil {
		return nil, fmt.Errorf("directions plot: %w", err)
	}
	corrPlot, err := correctionsPlot(c)
	if err != nil {
		return nil, fmt.Errorf("corrections plot: %w", err)
	}

	dirFile := filepath.Join(dir, "directions.png")
	if err := dirPlot.Save(8*vg.Inch, 6*vg.Inch, dirFile); err != nil {
		return nil, fmt.Errorf("save directions plot: %w", err)
	}
	corrFile := filepath.Join(dir, "corrections.png")
	if err := corrPlot.Save(8*vg.Inch, 4*vg.Inch, corrFile); err != nil {
		return nil, fmt.Errorf("save corrections plot: %w", err)
	}
	return []string{dirFile, corrFile}, nil
}
