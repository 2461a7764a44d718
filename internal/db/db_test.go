package db

import (
	"bytes"
	"context"
	"errors"
	"image"
	"math"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/calib"
	"github.com/scivi-tools/readingtracker/internal/geom"
	"github.com/scivi-tools/readingtracker/internal/telemetry"
	"github.com/scivi-tools/readingtracker/internal/testutil"
	"github.com/scivi-tools/readingtracker/internal/timeutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestSession(t *testing.T, d *DB) *Session {
	t.Helper()
	s, err := d.CreateSession("p01", "", time.UnixMilli(1700000000000))
	require.NoError(t, err)
	return s
}

func record(ms int64, aoiID int, tag telemetry.Tag) telemetry.Record {
	return telemetry.Record{
		Timestamp:  time.UnixMilli(ms),
		UV:         geom.Vec2{X: 0.25, Y: 0.75},
		Origin:     r3.Vec{X: 1, Y: 2, Z: 3},
		Target:     r3.Vec{X: 450, Y: -10, Z: 20},
		LeftPupil:  3.1,
		RightPupil: 3.2,
		CF:         -1,
		AOI:        aoiID,
		Event:      tag,
	}
}

func TestNewDB_PragmasAndSchema(t *testing.T) {
	d := newTestDB(t)

	var journalMode string
	require.NoError(t, d.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, d.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var fk int
	require.NoError(t, d.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	for _, table := range []string{"sessions", "telemetry", "calibrations", "calibration_points", "stimuli", "stimulus_aois"} {
		var n int
		require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}

	migrations, err := getMigrationsFS()
	require.NoError(t, err)
	version, dirty, err := d.MigrateVersion(migrations)
	require.NoError(t, err)
	latest, err := LatestMigrationVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)
}

func TestMigrateDownThenUp(t *testing.T) {
	d := newTestDB(t)
	migrations, err := getMigrationsFS()
	require.NoError(t, err)

	require.NoError(t, d.MigrateDown(migrations))
	version, _, err := d.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	var n int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='stimuli'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, d.MigrateUp(migrations))
	version, _, err = d.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand(&out, []string{"up"}, path))
	assert.Contains(t, out.String(), "schema version 3 of 3")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"down"}, path))
	assert.Contains(t, out.String(), "schema version 2 of 3")

	out.Reset()
	assert.Error(t, RunMigrateCommand(&out, []string{"sideways"}, path))
	assert.Contains(t, out.String(), "Usage: readingtracker migrate")

	assert.Error(t, RunMigrateCommand(&out, nil, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"force"}, path))
}

func TestSessions(t *testing.T) {
	d := newTestDB(t)

	first, err := d.CreateSession("p01", "pilot", time.UnixMilli(1000))
	require.NoError(t, err)
	second, err := d.CreateSession("p02", "", time.UnixMilli(2000))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.NoError(t, d.EndSession(first.ID, time.UnixMilli(1500)))
	got, err := d.GetSession(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "pilot", got.Notes)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, int64(1500), got.EndedAt.UnixMilli())

	list, err := d.Sessions(0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Nil(t, list[0].EndedAt)

	_, err = d.GetSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.EndSession("missing", time.Now()), ErrNotFound)
}

func TestTelemetryRoundTrip(t *testing.T) {
	d := newTestDB(t)
	s := newTestSession(t, d)

	want := []telemetry.Record{
		record(1, aoi.None, telemetry.LookAt),
		record(2, 3, telemetry.LookAt),
		record(2, 3, telemetry.Released),
		record(3, 3, telemetry.Select),
	}
	require.NoError(t, d.RecordTelemetry(s.ID, want))
	require.NoError(t, d.RecordTelemetry(s.ID, nil))

	got, err := d.Telemetry(s.ID, 0)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("telemetry mismatch (-want +got):\n%s", diff)
	}

	tail, err := d.Telemetry(s.ID, 2)
	require.NoError(t, err)
	if diff := cmp.Diff(want[2:], tail); diff != "" {
		t.Errorf("telemetry tail mismatch (-want +got):\n%s", diff)
	}

	n, err := d.TelemetryCount(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestTelemetry_UnknownSessionRejected(t *testing.T) {
	d := newTestDB(t)
	err := d.RecordTelemetry("no-such-session", []telemetry.Record{record(1, 0, telemetry.LookAt)})
	assert.Error(t, err)
}

func TestCalibrationSaveAndLatest(t *testing.T) {
	d := newTestDB(t)
	s := newTestSession(t, d)
	other := newTestSession(t, d)

	_, err := d.LatestCalibration(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	points := make([]calib.Point, 9)
	for i := range points {
		points[i] = calib.Point{
			Gaze:       geom.Unit(r3.Vec{X: 1, Y: float64(i%3-1) * 0.2, Z: float64(i/3-1) * 0.2}),
			Correction: geom.AxisAngle(r3.Vec{Z: 1}, float64(i)*0.001),
		}
	}
	_, err = d.SaveCalibration(s.ID, points[:1], time.UnixMilli(10))
	require.NoError(t, err)
	id, err := d.SaveCalibration(s.ID, points, time.UnixMilli(20))
	require.NoError(t, err)

	got, err := d.LatestCalibration(s.ID)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, s.ID, got.SessionID)
	if diff := cmp.Diff(points, got.Points); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}

	newer, err := d.SaveCalibration(other.ID, points[:3], time.UnixMilli(30))
	require.NoError(t, err)
	latest, err := d.LatestCalibration("")
	require.NoError(t, err)
	assert.Equal(t, newer, latest.ID)
	assert.Len(t, latest.Points, 3)

	_, err = d.SaveCalibration(s.ID, nil, time.Now())
	assert.Error(t, err)
}

func TestCalibration_RestoresIntoMachine(t *testing.T) {
	d := newTestDB(t)
	s := newTestSession(t, d)

	p := calib.DefaultParams()
	points := make([]calib.Point, p.PatternSize())
	for i := range points {
		points[i] = calib.Point{Gaze: r3.Vec{X: 1}, Correction: quat.Number{Real: 1}}
	}
	_, err := d.SaveCalibration(s.ID, points, time.Now())
	require.NoError(t, err)

	stored, err := d.LatestCalibration(s.ID)
	require.NoError(t, err)
	m, err := calib.NewMachine(p)
	require.NoError(t, err)
	require.NoError(t, m.Restore(stored.Points))
	assert.Equal(t, calib.Done, m.Phase())
}

func TestRecordStimulus(t *testing.T) {
	d := newTestDB(t)
	s := newTestSession(t, d)

	snap, err := aoi.Build(image.NewRGBA(image.Rect(0, 0, 200, 100)), 1, 0.5, []aoi.Raw{
		{Name: "word", Path: []geom.Vec2{{X: 10, Y: 10}, {X: 40, Y: 10}, {X: 40, Y: 30}, {X: 10, Y: 30}}},
		{Name: "broken", Path: []geom.Vec2{{X: 0, Y: 0}, {X: math.NaN(), Y: 0}, {X: 5, Y: 5}}},
		{Name: "word", Path: []geom.Vec2{{X: 50, Y: 10}, {X: 80, Y: 10}, {X: 80, Y: 30}}},
	})
	require.NoError(t, err)
	store := aoi.NewStore()
	snap = store.Publish(snap)

	id, err := d.RecordStimulus(s.ID, "page1.yaml", snap, time.UnixMilli(5000))
	require.NoError(t, err)

	stimuli, err := d.Stimuli(s.ID)
	require.NoError(t, err)
	require.Len(t, stimuli, 1)
	got := stimuli[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, "page1.yaml", got.Source)
	assert.Equal(t, 200, got.Width)
	assert.Equal(t, 0.5, got.ScaleY)

	want := []StimulusAOI{
		{ID: 0, Name: "word", Order: 0, Box: [4]float64{10, 10, 40, 30},
			Path: [][2]float64{{10, 10}, {40, 10}, {40, 30}, {10, 30}}, Valid: true},
		{ID: 1, Name: "broken", Order: 0, Box: got.AOIs[1].Box, Path: [][2]float64{}, Valid: false},
		{ID: 2, Name: "word", Order: 1, Box: [4]float64{50, 10, 80, 30},
			Path: [][2]float64{{50, 10}, {80, 10}, {80, 30}}, Valid: true},
	}
	if diff := cmp.Diff(want, got.AOIs); diff != "" {
		t.Errorf("AOIs mismatch (-want +got):\n%s", diff)
	}

	_, err = d.RecordStimulus(s.ID, "", nil, time.Now())
	assert.Error(t, err)
}

func TestRecorder_FlushesOnCloseBatchAndTick(t *testing.T) {
	d := newTestDB(t)
	s := newTestSession(t, d)
	hub := telemetry.NewHub(0)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rec := NewRecorder(d, s.ID, RecorderConfig{FlushInterval: time.Second, BatchSize: 3, Clock: clock})

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background(), hub) }()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, time.Millisecond)

	count := func() int {
		n, err := d.TelemetryCount(s.ID)
		if err != nil {
			return -1
		}
		return n
	}

	hub.Publish(record(1, 0, telemetry.LookAt), record(2, 0, telemetry.LookAt), record(3, 0, telemetry.LookAt))
	require.Eventually(t, func() bool { return count() == 3 }, 2*time.Second, 5*time.Millisecond, "batch flush")

	hub.Publish(record(4, 0, telemetry.LookAt))
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return count() == 4
	}, 2*time.Second, 5*time.Millisecond, "ticker flush")

	hub.Publish(record(5, 0, telemetry.ImageUp))
	hub.Close()
	require.NoError(t, <-done)
	assert.Equal(t, 5, count())

	written, failed := rec.Stats()
	assert.Equal(t, 5, written)
	assert.Zero(t, failed)
}

func TestRecorder_CountsFailedBatches(t *testing.T) {
	d := newTestDB(t)
	rec := NewRecorder(d, "no-such-session", RecorderConfig{})
	rec.add(record(1, 0, telemetry.LookAt))
	rec.Flush()
	written, failed := rec.Stats()
	assert.Zero(t, written)
	assert.Equal(t, 1, failed)
}

func TestRecorder_StopsOnCancel(t *testing.T) {
	d := newTestDB(t)
	s := newTestSession(t, d)
	hub := telemetry.NewHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	rec := NewRecorder(d, s.ID, RecorderConfig{Clock: timeutil.NewMockClock(time.Unix(0, 0))})

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, hub) }()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, hub.Len())
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	d := newTestDB(t)
	newTestSession(t, d)

	mux := http.NewServeMux()
	require.NoError(t, d.AttachAdminRoutes(mux))

	w := testutil.Serve(mux, http.MethodGet, "/debug/backup", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	body := w.Body.Bytes()
	require.Greater(t, len(body), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, body[:2], "gzip magic")
}
