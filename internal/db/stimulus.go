package db

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/scivi-tools/readingtracker/internal/aoi"
)

// StimulusAOI is one stored AOI of a stimulus.
type StimulusAOI struct {
	ID    int          `json:"id"`
	Name  string       `json:"name"`
	Order int          `json:"order"`
	Box   [4]float64   `json:"box"` // min x, min y, max x, max y
	Path  [][2]float64 `json:"path"`
	Valid bool         `json:"valid"`
}

// Stimulus is a stored stimulus image description.
type Stimulus struct {
	ID      int64         `json:"id"`
	Seq     uint64        `json:"seq"`
	Source  string        `json:"source"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	ScaleX  float64       `json:"scale_x"`
	ScaleY  float64       `json:"scale_y"`
	ShownAt time.Time     `json:"shown_at"`
	AOIs    []StimulusAOI `json:"aois"`
}

// finite maps NaN and infinities to zero so malformed AOIs still store.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// RecordStimulus stores the dimensions and AOIs of a published snapshot.
// Malformed AOIs are kept with valid=0 and an empty path so ids still line
// up with the telemetry aoi column.
func (db *DB) RecordStimulus(sessionID, source string, snap *aoi.Snapshot, now time.Time) (int64, error) {
	if snap == nil {
		return 0, fmt.Errorf("no snapshot to record")
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO stimuli (session_id, seq, source, width, height, scale_x, scale_y, shown_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, snap.Seq, source, snap.Width, snap.Height, snap.ScaleX, snap.ScaleY, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to insert stimulus: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`INSERT INTO stimulus_aois (
			stimulus_id, aoi_id, name, name_order, min_x, min_y, max_x, max_y, path_json, valid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i := range snap.AOIs {
		a := &snap.AOIs[i]
		path := []byte("[]")
		if a.Valid() {
			pts := make([][2]float64, len(a.Path))
			for j, p := range a.Path {
				pts[j] = [2]float64{p.X, p.Y}
			}
			if path, err = json.Marshal(pts); err != nil {
				return 0, err
			}
		}
		if _, err := stmt.Exec(id, a.ID, a.Name, a.Order,
			finite(a.Box.Min.X), finite(a.Box.Min.Y), finite(a.Box.Max.X), finite(a.Box.Max.Y),
			string(path), a.Valid()); err != nil {
			return 0, fmt.Errorf("failed to insert aoi %d: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	diagf("recorded stimulus %d (seq %d, %d AOIs) from %q", id, snap.Seq, len(snap.AOIs), source)
	return id, nil
}

// Stimuli returns the stimuli shown in a session, in order.
func (db *DB) Stimuli(sessionID string) ([]Stimulus, error) {
	rows, err := db.Query(`SELECT stimulus_id, seq, source, width, height, scale_x, scale_y, shown_unix_ms
		FROM stimuli WHERE session_id = ? ORDER BY stimulus_id`, sessionID)
	if err != nil {
		return nil, err
	}
	var out []Stimulus
	for rows.Next() {
		var (
			s     Stimulus
			shown int64
		)
		if err := rows.Scan(&s.ID, &s.Seq, &s.Source, &s.Width, &s.Height, &s.ScaleX, &s.ScaleY, &shown); err != nil {
			rows.Close()
			return nil, err
		}
		s.ShownAt = time.UnixMilli(shown)
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		aois, err := db.stimulusAOIs(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].AOIs = aois
	}
	return out, nil
}

func (db *DB) stimulusAOIs(stimulusID int64) ([]StimulusAOI, error) {
	rows, err := db.Query(`SELECT aoi_id, name, name_order, min_x, min_y, max_x, max_y, path_json, valid
		FROM stimulus_aois WHERE stimulus_id = ? ORDER BY aoi_id`, stimulusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StimulusAOI
	for rows.Next() {
		var (
			a    StimulusAOI
			path string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Order, &a.Box[0], &a.Box[1], &a.Box[2], &a.Box[3], &path, &a.Valid); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(path), &a.Path); err != nil {
			return nil, fmt.Errorf("aoi %d path: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
