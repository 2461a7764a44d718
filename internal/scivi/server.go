// Package scivi serves the WebSocket endpoint the SciVi visualiser connects
// to: it receives stimulus images, AOIs and calibration commands, and streams
// the telemetry lines back to every connected client.
package scivi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/telemetry"
)

// DefaultPath is the endpoint SciVi connects to.
const DefaultPath = "/ue4"

const (
	sendBuffer      = 512
	maxMessageBytes = 64 << 20 // stimulus images arrive inline
)

// Controller executes the commands SciVi can send.
type Controller interface {
	// Calibrate launches the eye tracker's own calibration.
	Calibrate()
	// Recalibrate starts the custom calibration pattern.
	Recalibrate()
	SetMotionControllerVisibility(visible bool)
}

// Config wires a Server.
type Config struct {
	Path       string
	Store      *aoi.Store
	Controller Controller
	// OnStimulus, if set, is called after a new snapshot is published.
	OnStimulus   func(*aoi.Snapshot)
	WriteTimeout time.Duration
}

// Server is the SciVi endpoint.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*client]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
	images  atomic.Uint64
}

type client struct {
	ws   *websocket.Conn
	send chan string
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// NewServer validates cfg and returns a server with no connections.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scivi: AOI store is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
			// SciVi runs from a file:// page or another host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*client]struct{}),
	}, nil
}

// AttachRoutes registers the endpoint on mux, with and without a trailing
// slash.
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	path := strings.TrimSuffix(s.cfg.Path, "/")
	mux.HandleFunc(path, s.serveWS)
	mux.HandleFunc(path+"/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path+"/" {
			http.NotFound(w, r)
			return
		}
		s.serveWS(w, r)
	})
}

// Handler returns a mux serving only the endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.AttachRoutes(mux)
	return mux
}

// Connections is the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stats reports lines sent, lines dropped for slow clients and stimuli
// received.
func (s *Server) Stats() (sent, dropped, images uint64) {
	return s.sent.Load(), s.dropped.Load(), s.images.Load()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		diagf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	c := &client{ws: ws, send: make(chan string, sendBuffer)}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	opsf("client %s connected (%d total)", r.RemoteAddr, n)

	go s.writeLoop(c)
	s.readLoop(c)

	s.remove(c)
	ws.Close()
	opsf("client %s disconnected", r.RemoteAddr)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		c.close()
	}
	s.mu.Unlock()
}

func (s *Server) readLoop(c *client) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				diagf("read: %v", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := s.handle(data); err != nil {
			opsf("%v", err)
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for line := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			diagf("write: %v", err)
			c.ws.Close()
			s.remove(c)
			for range c.send {
			}
			return
		}
		s.sent.Add(1)
	}
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.ws.Close()
}

// handle executes one inbound message.
func (s *Server) handle(data []byte) error {
	msg, err := ParseMessage(data)
	if err != nil {
		return err
	}
	diagf("received %s", msg.Kind)
	ctl := s.cfg.Controller
	switch msg.Kind {
	case KindCalibrate:
		if ctl != nil {
			ctl.Calibrate()
		}
	case KindCustomCalibrate:
		if ctl != nil {
			ctl.Recalibrate()
		}
	case KindMotionControllerVisibility:
		if ctl != nil {
			ctl.SetMotionControllerVisibility(msg.Visible)
		}
	case KindImage:
		return s.publishImage(msg.Image)
	}
	return nil
}

func (s *Server) publishImage(m *ImageMessage) error {
	img, format, err := DecodeDataURI(m.Image)
	if err != nil {
		return fmt.Errorf("stimulus image rejected: %w", err)
	}
	sx, sy := m.Scale()
	snap, err := aoi.Build(img, sx, sy, m.Raws())
	if err != nil {
		return fmt.Errorf("build stimulus: %w", err)
	}
	snap = s.cfg.Store.Publish(snap)
	s.images.Add(1)
	opsf("stimulus %d: %s %dx%d, %d AOIs", snap.Seq, format, snap.Width, snap.Height, snap.Len())
	if s.cfg.OnStimulus != nil {
		s.cfg.OnStimulus(snap)
	}
	return nil
}

// Broadcast queues line for every client. Clients whose queue is full miss
// the line.
func (s *Server) Broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		select {
		case c.send <- line:
		default:
			if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
				opsf("client too slow; %d lines dropped so far", n)
			}
		}
	}
}

// Run streams hub records to all clients until ctx is done or the hub
// closes, then disconnects every client.
func (s *Server) Run(ctx context.Context, hub *telemetry.Hub) error {
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-ch:
			if !ok {
				return nil
			}
			s.Broadcast(rec.Line())
		}
	}
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		delete(s.conns, c)
		c.close()
	}
}
