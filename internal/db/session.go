package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one participant's run of the experiment.
type Session struct {
	ID          string     `json:"session_id"`
	Participant string     `json:"participant"`
	Notes       string     `json:"notes,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// CreateSession starts a new session at now.
func (db *DB) CreateSession(participant, notes string, now time.Time) (*Session, error) {
	s := &Session{
		ID:          uuid.NewString(),
		Participant: participant,
		Notes:       notes,
		StartedAt:   time.UnixMilli(now.UnixMilli()),
	}
	_, err := db.Exec(`INSERT INTO sessions (session_id, participant, notes, started_unix_ms) VALUES (?, ?, ?, ?)`,
		s.ID, s.Participant, s.Notes, s.StartedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	opsf("session %s started for %q", s.ID, participant)
	return s, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id string, now time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix_ms = ? WHERE session_id = ?`, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession returns one session by id.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`SELECT session_id, participant, notes, started_unix_ms, ended_unix_ms
		FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// Sessions lists sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT session_id, participant, notes, started_unix_ms, ended_unix_ms
		FROM sessions ORDER BY started_unix_ms DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s       Session
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Participant, &s.Notes, &started, &ended); err != nil {
		return nil, err
	}
	s.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}
