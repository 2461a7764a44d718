package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/calib"
	"github.com/scivi-tools/readingtracker/internal/db"
	"github.com/scivi-tools/readingtracker/internal/geom"
	"github.com/scivi-tools/readingtracker/internal/telemetry"
)

func pattern() []calib.Point {
	p := calib.DefaultParams()
	points := make([]calib.Point, p.PatternSize())
	for i := range points {
		uv := p.PosForIndex(i)
		points[i] = calib.Point{
			Gaze:       geom.Unit(r3.Vec{X: 4, Y: 0.5 - uv.X, Z: 0.5 - uv.Y}),
			Correction: geom.AxisAngle(r3.Vec{Z: 1}, float64(i)*0.2*math.Pi/180),
		}
	}
	return points
}

func seed(t *testing.T) (path string, session *db.Session) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "test.db")
	d, err := db.NewDB(path)
	require.NoError(t, err)
	defer d.Close()

	now := time.UnixMilli(1700000000000)
	session, err = d.CreateSession("p03", "", now)
	require.NoError(t, err)
	_, err = d.SaveCalibration(session.ID, pattern(), now)
	require.NoError(t, err)
	require.NoError(t, d.RecordTelemetry(session.ID, []telemetry.Record{
		{Timestamp: now, Event: telemetry.LookAt, AOI: -1},
		{Timestamp: now.Add(time.Millisecond), Event: telemetry.LookAt, AOI: -1},
	}))
	return path, session
}

func isPNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")), "%s is not a PNG", path)
}

func TestRun_WritesPlots(t *testing.T) {
	path, session := seed(t)
	out := t.TempDir()

	var buf bytes.Buffer
	require.NoError(t, run([]string{"-db", path, "-session", session.ID, "-out", out}, &buf))

	assert.Contains(t, buf.String(), "session "+session.ID)
	assert.Contains(t, buf.String(), "9 points")
	isPNG(t, filepath.Join(out, session.ID, "calibration_1", "directions.png"))
	isPNG(t, filepath.Join(out, session.ID, "calibration_1", "corrections.png"))
}

func TestRun_NoCalibration(t *testing.T) {
	path, _ := seed(t)
	err := run([]string{"-db", path, "-session", "no-such-session", "-out", t.TempDir()}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "no calibration stored for session no-such-session")
}

func TestRun_ListSessions(t *testing.T) {
	path, session := seed(t)
	var buf bytes.Buffer
	require.NoError(t, run([]string{"-db", path, "-list", "5"}, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SESSION"))
	assert.Contains(t, lines[1], session.ID)
	assert.Contains(t, lines[1], "p03")
	assert.True(t, strings.HasSuffix(lines[1], "2"))
}

func TestWriteReport_Empty(t *testing.T) {
	_, err := writeReport(&db.Calibration{ID: 4}, t.TempDir())
	assert.ErrorContains(t, err, "no points")
}

func TestWriteReport_UnsafeSession(t *testing.T) {
	out := t.TempDir()
	files, err := writeReport(&db.Calibration{ID: 2, SessionID: "../p 01", Points: pattern()}, out)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(out, "p_01", "calibration_2", "directions.png"), files[0])
}

func TestCorrectionsPlot_Values(t *testing.T) {
	c := &db.Calibration{ID: 1, Points: pattern()}
	p, err := correctionsPlot(c)
	require.NoError(t, err)
	assert.Equal(t, "Calibration 1 - correction per node", p.Title.Text)
	assert.InDelta(t, 1.6, c.Points[8].CorrectionDeg(), 1e-9)
}
