package db

import (
	"context"
	"sync"
	"time"

	"github.com/scivi-tools/readingtracker/internal/telemetry"
	"github.com/scivi-tools/readingtracker/internal/timeutil"
)

// DefaultFlushInterval is how often a Recorder writes buffered telemetry.
const DefaultFlushInterval = time.Second

// DefaultBatchSize flushes early once this many records are buffered.
const DefaultBatchSize = 512

// RecorderConfig tunes a Recorder. Zero values take defaults.
type RecorderConfig struct {
	FlushInterval time.Duration
	BatchSize     int
	Clock         timeutil.Clock
}

// Recorder persists the telemetry hub's stream for one session.
type Recorder struct {
	db        *DB
	sessionID string
	cfg       RecorderConfig

	mu      sync.Mutex
	pending []telemetry.Record
	written int
	failed  int
}

// NewRecorder returns a recorder writing into sessionID.
func NewRecorder(d *DB, sessionID string, cfg RecorderConfig) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Recorder{db: d, sessionID: sessionID, cfg: cfg}
}

// Run subscribes to hub and writes records until ctx is done or the hub
// closes. Buffered records are flushed before it returns.
func (r *Recorder) Run(ctx context.Context, hub *telemetry.Hub) error {
	id, records := hub.Subscribe()
	defer hub.Unsubscribe(id)

	ticker := r.cfg.Clock.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return ctx.Err()
		case <-ticker.C():
			r.Flush()
		case rec, ok := <-records:
			if !ok {
				r.Flush()
				return nil
			}
			if r.add(rec) >= r.cfg.BatchSize {
				r.Flush()
			}
		}
	}
}

func (r *Recorder) add(rec telemetry.Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, rec)
	return len(r.pending)
}

// Flush writes the buffered records. A failed batch is dropped and counted.
func (r *Recorder) Flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	err := r.db.RecordTelemetry(r.sessionID, batch)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed += len(batch)
		opsf("dropped %d telemetry records for session %s: %v", len(batch), r.sessionID, err)
		return
	}
	r.written += len(batch)
	tracef("flushed %d telemetry records", len(batch))
}

// Stats returns how many records were written and dropped so far.
func (r *Recorder) Stats() (written, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written, r.failed
}
