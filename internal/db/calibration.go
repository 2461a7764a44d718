package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/calib"
)

// Calibration is a stored, completed calibration pattern.
type Calibration struct {
	ID        int64
	SessionID string
	CreatedAt time.Time
	Points    []calib.Point
}

// SaveCalibration stores a completed pattern for a session and returns its id.
func (db *DB) SaveCalibration(sessionID string, points []calib.Point, now time.Time) (int64, error) {
	if len(points) == 0 {
		return 0, fmt.Errorf("calibration has no points")
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO calibrations (session_id, created_unix_ms, point_count) VALUES (?, ?, ?)`,
		sessionID, now.UnixMilli(), len(points))
	if err != nil {
		return 0, fmt.Errorf("failed to insert calibration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`INSERT INTO calibration_points (
			calibration_id, idx, gaze_x, gaze_y, gaze_z, corr_w, corr_x, corr_y, corr_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i, p := range points {
		q := p.Correction
		if _, err := stmt.Exec(id, i, p.Gaze.X, p.Gaze.Y, p.Gaze.Z, q.Real, q.Imag, q.Jmag, q.Kmag); err != nil {
			return 0, fmt.Errorf("failed to insert calibration point %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	diagf("saved calibration %d (%d points) for session %s", id, len(points), sessionID)
	return id, nil
}

// LatestCalibration returns the newest calibration of a session, or of any
// session when sessionID is empty. ErrNotFound is returned if none exist.
func (db *DB) LatestCalibration(sessionID string) (*Calibration, error) {
	var (
		c       Calibration
		created int64
		row     *sql.Row
	)
	if sessionID == "" {
		row = db.QueryRow(`SELECT calibration_id, session_id, created_unix_ms FROM calibrations
			ORDER BY created_unix_ms DESC, calibration_id DESC LIMIT 1`)
	} else {
		row = db.QueryRow(`SELECT calibration_id, session_id, created_unix_ms FROM calibrations
			WHERE session_id = ? ORDER BY created_unix_ms DESC, calibration_id DESC LIMIT 1`, sessionID)
	}
	if err := row.Scan(&c.ID, &c.SessionID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("calibration: %w", ErrNotFound)
		}
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(created)

	rows, err := db.Query(`SELECT gaze_x, gaze_y, gaze_z, corr_w, corr_x, corr_y, corr_z
		FROM calibration_points WHERE calibration_id = ? ORDER BY idx`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			g r3.Vec
			q quat.Number
		)
		if err := rows.Scan(&g.X, &g.Y, &g.Z, &q.Real, &q.Imag, &q.Jmag, &q.Kmag); err != nil {
			return nil, err
		}
		c.Points = append(c.Points, calib.Point{Gaze: g, Correction: q})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}
