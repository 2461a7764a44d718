// Package gazesource reads eye-tracker frames from the bridge device and
// fans them out to any number of subscribers. The bridge speaks newline
// delimited JSON over a serial port; commands are plain text lines.
package gazesource

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/scivi-tools/readingtracker/internal/timeutil"
)

var ErrWriteFailed = errors.New("failed to write to eye-tracker bridge")

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// Source is implemented by Mux and Disabled.
type Source interface {
	// Subscribe returns a channel of raw bridge lines and the id used to
	// unsubscribe it.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendCommand(string) error
	// Monitor reads lines from the bridge until ctx is done or the port
	// reaches EOF.
	Monitor(context.Context) error
	Close() error
	Initialize() error
	AttachAdminRoutes(*http.ServeMux)
}

// Mux multiplexes one bridge port to many subscribers.
type Mux[T Porter] struct {
	port  T
	clock timeutil.Clock

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	buffer       int

	commandMu sync.Mutex

	closingMu sync.Mutex
	closing   bool
}

// NewMux wraps port. Subscriber channels are unbuffered.
func NewMux[T Porter](port T) *Mux[T] {
	return &Mux[T]{
		port:        port,
		clock:       timeutil.RealClock{},
		subscribers: make(map[string]chan string),
	}
}

// WithClock replaces the clock used by Initialize.
func (s *Mux[T]) WithClock(c timeutil.Clock) *Mux[T] {
	s.clock = c
	return s
}

// WithBuffer sets the channel buffer for subsequent subscribers. The tick
// loop uses a small buffer so a slow tick does not drop the next frame.
func (s *Mux[T]) WithBuffer(n int) *Mux[T] {
	s.buffer = n
	return s
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Mux[T]) Subscribe() (string, chan string) {
	id := randomID()
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	ch := make(chan string, s.buffer)
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Mux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize syncs the bridge clock to ours and switches it to JSON frame
// output with combined, local and per-eye gaze enabled.
func (s *Mux[T]) Initialize() error {
	now := s.clock.Now()
	if err := s.SendCommand(fmt.Sprintf("CLOCK %d", now.UnixMilli())); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}
	for _, command := range []string{
		"FORMAT JSON",   // one JSON object per line
		"GAZE COMBINED", // world-space combined ray
		"GAZE LOCAL",    // camera-space direction
		"GAZE EYES",     // per-eye internal gaze
		"PUPIL ON",      // pupil diameters and openness
		"STREAM ON",
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	diagf("bridge initialised at %s", now.Format("15:04:05.000"))
	return nil
}

// SendCommand writes one command line to the bridge.
func (s *Mux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	tracef("sent %q", strings.TrimSpace(command))
	return nil
}

// Monitor reads lines from the bridge and delivers each to every subscriber
// that is ready for it. Lines for busy subscribers are dropped.
func (s *Mux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 4096), 64*1024)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
				}
				if dropped > 0 {
					diagf("bridge stream ended; %d lines dropped for busy subscribers", dropped)
				}
				return nil
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					dropped++
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Close closes every subscriber channel and the port. Calling it twice
// returns nil the second time.
func (s *Mux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// AttachAdminRoutes adds a command console and a live line tail under
// /debug/. tsweb restricts them to loopback and tailnet clients.
func (s *Mux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the eye-tracker bridge", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			opsf("admin command %q failed: %v", command, err)
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to eye-tracker bridge", command)
	})

	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		serveTail(w, r, s)
	})

	debug.HandleSilentFunc("tail.js", serveTailJS)
}

// serveTail streams subscriber lines as server-sent events.
func serveTail(w http.ResponseWriter, r *http.Request, src interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := src.Subscribe()
	defer src.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func serveTailJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	f, err := adminTemplateFS.Open("templates/tail.js")
	if err != nil {
		http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	io.Copy(w, f)
}
