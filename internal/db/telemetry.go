package db

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/geom"
	"github.com/scivi-tools/readingtracker/internal/telemetry"
)

// RecordTelemetry stores records for a session in one transaction.
func (db *DB) RecordTelemetry(sessionID string, records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO telemetry (
			session_id, unix_ms, u, v, origin_x, origin_y, origin_z,
			target_x, target_y, target_z, left_pupil, right_pupil, cf, aoi, event
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(sessionID, r.Timestamp.UnixMilli(), r.UV.X, r.UV.Y,
			r.Origin.X, r.Origin.Y, r.Origin.Z,
			r.Target.X, r.Target.Y, r.Target.Z,
			r.LeftPupil, r.RightPupil, r.CF, r.AOI, string(r.Event)); err != nil {
			return fmt.Errorf("failed to insert telemetry: %w", err)
		}
	}
	return tx.Commit()
}

// Telemetry returns the most recent records of a session in time order.
// A non-positive limit returns every record.
func (db *DB) Telemetry(sessionID string, limit int) ([]telemetry.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT unix_ms, u, v, origin_x, origin_y, origin_z,
			target_x, target_y, target_z, left_pupil, right_pupil, cf, aoi, event
		FROM (
			SELECT * FROM telemetry WHERE session_id = ?
			ORDER BY telemetry_id DESC LIMIT ?
		) ORDER BY telemetry_id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []telemetry.Record
	for rows.Next() {
		var (
			r     telemetry.Record
			ms    int64
			uv    geom.Vec2
			o, t  r3.Vec
			event string
		)
		if err := rows.Scan(&ms, &uv.X, &uv.Y, &o.X, &o.Y, &o.Z,
			&t.X, &t.Y, &t.Z, &r.LeftPupil, &r.RightPupil, &r.CF, &r.AOI, &event); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ms)
		r.UV, r.Origin, r.Target, r.Event = uv, o, t, telemetry.Tag(event)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TelemetryCount returns the number of stored records for a session.
func (db *DB) TelemetryCount(sessionID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM telemetry WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
