package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/httputil"
)

type renderer interface {
	Render(w io.Writer) error
}

func writeChart(w http.ResponseWriter, c renderer) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// gazeSeries groups recent LOOKAT samples by the AOI they hit.
func (m *Monitor) gazeSeries() (names []string, series map[string][]opts.ScatterData) {
	series = make(map[string][]opts.ScatterData)
	for _, r := range m.Recent() {
		name := "none"
		if r.AOI != aoi.None {
			name = fmt.Sprintf("aoi %d", r.AOI)
		}
		if _, ok := series[name]; !ok {
			names = append(names, name)
		}
		series[name] = append(series[name], opts.ScatterData{
			Value: []interface{}{r.UV.X, r.UV.Y},
		})
	}
	sort.Strings(names)
	return names, series
}

func (m *Monitor) handleGazePlot(w http.ResponseWriter, r *http.Request) {
	names, series := m.gazeSeries()
	total := 0
	for _, s := range series {
		total += len(s)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Recent gaze", Theme: "dark", Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Recent gaze", Subtitle: fmt.Sprintf("last %d samples, billboard coordinates", total)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: 1, Name: "u", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "v (down)", NameLocation: "middle", NameGap: 30}),
	)
	for _, name := range names {
		scatter.AddSeries(name, series[name], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}
	writeChart(w, scatter)
}

func (m *Monitor) calibrationSeries() []opts.ScatterData {
	points := m.cfg.Tracker.Machine().Points()
	data := make([]opts.ScatterData, 0, len(points))
	for i, p := range points {
		az, el := p.AzEl()
		data = append(data, opts.ScatterData{
			Name:  fmt.Sprintf("node %d", i),
			Value: []interface{}{az, el, p.CorrectionDeg()},
		})
	}
	return data
}

func (m *Monitor) handleCalibrationPlot(w http.ResponseWriter, r *http.Request) {
	data := m.calibrationSeries()
	phase := m.cfg.Tracker.Machine().Phase()

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Calibration", Theme: "dark", Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Calibration pattern", Subtitle: fmt.Sprintf("phase %s, %d points", phase, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "azimuth (deg)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "elevation (deg)"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Dimension:  "2",
			Min:        0,
			Max:        5,
			InRange:    &opts.VisualMapInRange{Color: []string{"#50a3ba", "#eac736", "#d94e5d"}},
		}),
	)
	scatter.AddSeries("nodes", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	writeChart(w, scatter)
}
