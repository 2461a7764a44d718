package gazesource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/scivi-tools/readingtracker/internal/timeutil"
)

// Replay is a Porter that plays back a recorded bridge capture, one line
// per interval. Commands written to it are kept for inspection.
type Replay struct {
	mu       sync.Mutex
	lines    [][]byte
	next     int
	pending  []byte
	interval time.Duration
	clock    timeutil.Clock
	loop     bool
	closed   bool
	written  bytes.Buffer
}

// ReplayOptions controls playback. A zero Interval plays as fast as the
// reader consumes.
type ReplayOptions struct {
	Interval time.Duration
	Loop     bool
	Clock    timeutil.Clock
}

// NewReplay loads every non-empty line of r.
func NewReplay(r io.Reader, opts ReplayOptions) (*Replay, error) {
	var lines [][]byte
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 4096), 64*1024)
	for scan.Scan() {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		lines = append(lines, append(append([]byte(nil), line...), '\n'))
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read replay: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Replay{lines: lines, interval: opts.Interval, clock: opts.Clock, loop: opts.Loop}, nil
}

// OpenReplay loads a capture file and returns a mux playing it.
func OpenReplay(path string, opts ReplayOptions) (*Mux[*Replay], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay %s: %w", path, err)
	}
	defer f.Close()
	rp, err := NewReplay(f, opts)
	if err != nil {
		return nil, err
	}
	diagf("replaying %d lines from %s", rp.Len(), path)
	return NewMux[*Replay](rp), nil
}

// Len is the number of recorded lines.
func (r *Replay) Len() int { return len(r.lines) }

func (r *Replay) Read(p []byte) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, io.EOF
	}
	if len(r.pending) == 0 {
		if r.next >= len(r.lines) {
			if !r.loop || len(r.lines) == 0 {
				r.mu.Unlock()
				return 0, io.EOF
			}
			r.next = 0
		}
		r.pending = r.lines[r.next]
		r.next++
		if r.interval > 0 {
			r.mu.Unlock()
			r.clock.Sleep(r.interval)
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return 0, io.EOF
			}
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	r.mu.Unlock()
	return n, nil
}

func (r *Replay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errors.New("replay closed")
	}
	return r.written.Write(p)
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Commands returns everything written to the replay port.
func (r *Replay) Commands() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written.String()
}
