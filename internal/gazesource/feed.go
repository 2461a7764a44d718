package gazesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scivi-tools/readingtracker/internal/tracker"
)

var (
	framesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "readingtracker",
		Subsystem: "gaze",
		Name:      "frames_total",
		Help:      "Gaze frames parsed from the eye-tracker bridge.",
	})
	malformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "readingtracker",
		Subsystem: "gaze",
		Name:      "malformed_lines_total",
		Help:      "Bridge lines that could not be parsed.",
	})
)

// Status holds the latest values the bridge reported about itself
// (firmware, sample rate, calibration of the device).
type Status struct {
	mu     sync.Mutex
	values map[string]any
}

// Update merges a status line into the current values.
func (s *Status) Update(line string) error {
	var values map[string]any
	if err := json.Unmarshal([]byte(line), &values); err != nil {
		return fmt.Errorf("failed to unmarshal status: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

// Values returns a copy of the current status values.
func (s *Status) Values() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// HandleLine routes one bridge line: frames go to tick, status reports
// update status. status may be nil.
func HandleLine(line string, status *Status, tick func(tracker.Frame)) error {
	switch ClassifyLine(line) {
	case LineFrame:
		f, err := ParseFrame(line)
		if err != nil {
			malformedTotal.Inc()
			return err
		}
		framesTotal.Inc()
		tick(f)
	case LineStatus:
		if status == nil {
			return nil
		}
		if err := status.Update(line); err != nil {
			malformedTotal.Inc()
			return err
		}
		diagf("bridge status: %s", line)
	default:
		tracef("ignored line %q", line)
	}
	return nil
}

// Feed subscribes to src and calls tick for every frame until ctx is done
// or src closes the subscription. Malformed lines are logged and skipped.
// tick runs on the calling goroutine.
func Feed(ctx context.Context, src Source, status *Status, tick func(tracker.Frame)) error {
	id, lines := src.Subscribe()
	defer src.Unsubscribe(id)

	var bad int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := HandleLine(line, status, tick); err != nil {
				bad++
				if errors.Is(err, ErrMalformedFrame) && bad%100 != 1 {
					continue
				}
				opsf("bad bridge line (%d so far): %v", bad, err)
			}
		}
	}
}
