// Package monitor serves the operator's view of a running tracker: JSON
// state, Prometheus metrics and quick ECharts debug plots of recent gaze
// and of the current calibration.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/scivi-tools/readingtracker/internal/calib"
	"github.com/scivi-tools/readingtracker/internal/httputil"
	"github.com/scivi-tools/readingtracker/internal/telemetry"
	"github.com/scivi-tools/readingtracker/internal/tracker"
	"github.com/scivi-tools/readingtracker/internal/version"
)

// DefaultWindow is the number of recent records kept for the gaze plot.
const DefaultWindow = 2000

// Tracker is the part of a stimulus the monitor reads and controls.
type Tracker interface {
	State() tracker.State
	Machine() *calib.Machine
	Recalibrate()
	AbortCalibration()
	SelectedAOIs() []int
	ClearSelection() []int
}

// Config wires a Monitor.
type Config struct {
	Tracker Tracker
	// Window bounds the recent-records buffer; <= 0 selects DefaultWindow.
	Window int
	// Gatherer serves /metrics; nil selects the default registry.
	Gatherer prometheus.Gatherer
	// BridgeStatus, if set, reports the eye-tracker bridge's own status.
	BridgeStatus func() map[string]any
	// SessionID is reported in /api/state.
	SessionID string
}

// Monitor keeps a window of recent telemetry and serves it.
type Monitor struct {
	cfg Config

	mu     sync.Mutex
	recent []telemetry.Record
	next   int
	full   bool
	counts map[telemetry.Tag]int
}

// New returns a monitor. cfg.Tracker is required.
func New(cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Monitor{
		cfg:    cfg,
		recent: make([]telemetry.Record, cfg.Window),
		counts: make(map[telemetry.Tag]int),
	}
}

// Observe adds records to the window.
func (m *Monitor) Observe(records ...telemetry.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.counts[r.Event]++
		tracef("%s", r.Line())
		if r.Event != telemetry.LookAt {
			continue
		}
		m.recent[m.next] = r
		m.next = (m.next + 1) % len(m.recent)
		if m.next == 0 {
			m.full = true
		}
	}
}

// Recent returns the LOOKAT records in the window, oldest first.
func (m *Monitor) Recent() []telemetry.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]telemetry.Record(nil), m.recent[:m.next]...)
	}
	out := make([]telemetry.Record, 0, len(m.recent))
	out = append(out, m.recent[m.next:]...)
	return append(out, m.recent[:m.next]...)
}

// Counts returns how many records of each tag were observed.
func (m *Monitor) Counts() map[telemetry.Tag]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[telemetry.Tag]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// Run feeds the window from hub until ctx is done or the hub closes.
func (m *Monitor) Run(ctx context.Context, hub *telemetry.Hub) error {
	id, records := hub.Subscribe()
	defer hub.Unsubscribe(id)
	diagf("subscribed to telemetry as %s", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-records:
			if !ok {
				return nil
			}
			m.Observe(r)
		}
	}
}

// AttachRoutes mounts /metrics and the /api/ endpoints on mux, and the debug plots
// under /debug/.
func (m *Monitor) AttachRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/state", m.handleState)
	mux.HandleFunc("/api/calibration", m.handleCalibration)
	mux.HandleFunc("/api/selection", m.handleSelection)

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("gaze", "Recent gaze on the stimulus", m.handleGazePlot)
	debug.HandleFunc("calibration", "Current calibration pattern", m.handleCalibrationPlot)
}

type targetView struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

type stateView struct {
	SessionID         string         `json:"session_id,omitempty"`
	Phase             string         `json:"phase"`
	Target            *targetView    `json:"target,omitempty"`
	CalibrationPoints int            `json:"calibration_points"`
	SnapshotSeq       uint64         `json:"snapshot_seq"`
	AOIs              int            `json:"aois"`
	HoveredAOI        int            `json:"hovered_aoi"`
	ActiveAOI         int            `json:"active_aoi"`
	Selected          []int          `json:"selected"`
	SelectionMode     bool           `json:"selection_mode"`
	LastUV            [2]float64     `json:"last_uv"`
	LastHit           bool           `json:"last_hit"`
	Events            map[string]int `json:"events"`
	Bridge            map[string]any `json:"bridge,omitempty"`
	Build             version.Info   `json:"build"`
}

func (m *Monitor) stateView() stateView {
	st := m.cfg.Tracker.State()
	v := stateView{
		SessionID:         m.cfg.SessionID,
		Phase:             st.Phase.String(),
		CalibrationPoints: st.Points,
		SnapshotSeq:       st.SnapshotSeq,
		AOIs:              st.AOIs,
		HoveredAOI:        st.HoveredAOI,
		ActiveAOI:         st.ActiveAOI,
		Selected:          nonNil(st.Selected),
		SelectionMode:     st.SelectionMode,
		LastUV:            [2]float64{st.LastUV.X, st.LastUV.Y},
		LastHit:           st.LastHit,
		Events:            make(map[string]int),
		Build:             version.Get(),
	}
	if st.Phase.Active() {
		v.Target = &targetView{X: st.Target.Location.X, Y: st.Target.Location.Y, Radius: st.Target.Radius}
	}
	for tag, n := range m.Counts() {
		v.Events[string(tag)] = n
	}
	if m.cfg.BridgeStatus != nil {
		v.Bridge = m.cfg.BridgeStatus()
	}
	return v
}

func (m *Monitor) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, m.stateView())
}

// handleCalibration starts or aborts a calibration. The form field "action"
// is "recalibrate" or "abort".
func (m *Monitor) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	switch action := r.FormValue("action"); action {
	case "recalibrate":
		m.cfg.Tracker.Recalibrate()
	case "abort":
		m.cfg.Tracker.AbortCalibration()
	case "":
		httputil.BadRequest(w, "missing action")
		return
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown action %q", action))
		return
	}
	opsf("calibration %s requested from %s", r.FormValue("action"), r.RemoteAddr)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "action": r.FormValue("action")})
}

type selectionView struct {
	Selected []int `json:"selected"`
	Cleared  bool  `json:"cleared,omitempty"`
}

// handleSelection lists the selected AOIs on GET. POST with action "clear"
// empties the selection and returns the IDs it held.
func (m *Monitor) handleSelection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, selectionView{Selected: nonNil(m.cfg.Tracker.SelectedAOIs())})
	case http.MethodPost:
		if action := r.FormValue("action"); action != "clear" {
			httputil.BadRequest(w, fmt.Sprintf("unknown action %q", action))
			return
		}
		ids := m.cfg.Tracker.ClearSelection()
		opsf("selection of %d AOIs cleared from %s", len(ids), r.RemoteAddr)
		httputil.WriteJSONOK(w, selectionView{Selected: nonNil(ids), Cleared: true})
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}
