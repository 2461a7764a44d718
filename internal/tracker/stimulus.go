// Package tracker runs one gaze frame at a time through calibration,
// AOI hit-testing and selection, and produces the telemetry records for it.
package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/calib"
	"github.com/scivi-tools/readingtracker/internal/geom"
	"github.com/scivi-tools/readingtracker/internal/telemetry"
	"github.com/scivi-tools/readingtracker/internal/timeutil"
)

// Host is the stimulus surface plus the placement controls the tick needs.
type Host interface {
	calib.Surface
	FaceCamera(cam geom.Pose, distance float64)
	RestorePose()
	Resize(width, height int, scaleX, scaleY float64)
}

// Sink receives the records of every tick that produced any.
type Sink interface {
	Publish(records ...telemetry.Record)
}

// TriggerEvent is the state change of the selection trigger carried by a
// frame.
type TriggerEvent int

const (
	TriggerNone TriggerEvent = iota
	TriggerPressed
	TriggerReleased
)

// Frame is one eye-tracker sample in world space.
type Frame struct {
	// Time stamps the telemetry; the zero value uses the stimulus clock.
	Time time.Time

	Origin    r3.Vec // combined gaze origin
	Direction r3.Vec // combined gaze direction
	// LocalDirection is the gaze direction in camera space, needed to apply
	// a finished calibration.
	LocalDirection r3.Vec
	HasLocal       bool
	// InternalGaze is the tracker's eye-averaged gaze in scene axes.
	InternalGaze r3.Vec
	Camera       geom.Pose

	LeftPupil  float64 // mm
	RightPupil float64 // mm
	// Openness per eye, 0 (closed) to 1. Not part of the telemetry line.
	LeftOpenness  float64
	RightOpenness float64

	Trigger TriggerEvent
}

// Config holds the optional collaborators of a Stimulus.
type Config struct {
	Params   calib.Params
	Clock    timeutil.Clock
	Observer Observer
	Sink     Sink
}

// State is a point-in-time view for monitoring.
type State struct {
	Phase         calib.Phase
	Target        calib.Target
	Points        int
	SnapshotSeq   uint64
	AOIs          int
	HoveredAOI    int
	ActiveAOI     int
	Selected      []int
	SelectionMode bool
	LastUV        geom.Vec2
	LastHit       bool
}

// Stimulus owns the per-stimulus tick state. Tick must be called from one
// goroutine; the other methods are safe from any goroutine.
type Stimulus struct {
	host     Host
	store    *aoi.Store
	machine  *calib.Machine
	clock    timeutil.Clock
	observer Observer
	sink     Sink

	selectionMode atomic.Bool
	released      atomic.Bool

	mu         sync.Mutex
	snap       *aoi.Snapshot
	selection  *aoi.Selection
	active     int
	hovered    int
	hoveredAOI aoi.AOI
	imgUpdated bool
	faced      bool
	lastUV     geom.Vec2
	lastHit    bool
}

// New wires a stimulus to its host and AOI store.
func New(host Host, store *aoi.Store, cfg Config) (*Stimulus, error) {
	if host == nil || store == nil {
		return nil, fmt.Errorf("tracker: host and store are required")
	}
	if cfg.Params == (calib.Params{}) {
		cfg.Params = calib.DefaultParams()
	}
	m, err := calib.NewMachine(cfg.Params)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Stimulus{
		host:      host,
		store:     store,
		machine:   m,
		clock:     cfg.Clock,
		observer:  cfg.Observer,
		sink:      cfg.Sink,
		selection: aoi.NewSelection(),
		active:    aoi.None,
		hovered:   aoi.None,
	}, nil
}

// Machine exposes the calibration machine, e.g. to restore a stored pattern.
func (s *Stimulus) Machine() *calib.Machine { return s.machine }

// Trigger records a press or release of the selection trigger. A release is
// reported once, on the next tick that hits the stimulus.
func (s *Stimulus) Trigger(pressed bool) {
	s.selectionMode.Store(pressed)
	if !pressed {
		s.released.Store(true)
	}
}

// Recalibrate starts a fresh calibration pattern on the next tick.
func (s *Stimulus) Recalibrate() {
	opsf("recalibration requested")
	s.machine.Recalibrate()
}

// AbortCalibration stops calibration on the next tick.
func (s *Stimulus) AbortCalibration() {
	opsf("calibration abort requested")
	s.machine.Abort()
}

// SelectedAOIs returns the IDs of the selected AOIs in ascending order.
func (s *Stimulus) SelectedAOIs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection.IDs()
}

// ClearSelection empties the selection and returns the IDs it held. The
// active AOI is dropped too, so a trigger still held over an AOI selects it
// again on release.
func (s *Stimulus) ClearSelection() []int {
	s.mu.Lock()
	ids := s.selection.IDs()
	s.selection.Clear()
	s.active = aoi.None
	s.mu.Unlock()
	diagf("selection cleared (%d AOIs)", len(ids))
	return ids
}

// State returns a snapshot of the tick state.
func (s *Stimulus) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Phase:         s.machine.Phase(),
		Target:        s.machine.Target(),
		Points:        len(s.machine.Points()),
		HoveredAOI:    s.hovered,
		ActiveAOI:     s.active,
		Selected:      s.selection.IDs(),
		SelectionMode: s.selectionMode.Load(),
		LastUV:        s.lastUV,
		LastHit:       s.lastHit,
	}
	if s.snap != nil {
		st.SnapshotSeq = s.snap.Seq
		st.AOIs = s.snap.Len()
	}
	return st
}

// Tick processes one frame and returns the records it produced, which are
// also handed to the sink. A frame whose gaze misses the stimulus produces
// nothing.
func (s *Stimulus) Tick(f Frame) []telemetry.Record {
	ticksTotal.Inc()
	switch f.Trigger {
	case TriggerPressed:
		s.Trigger(true)
	case TriggerReleased:
		s.Trigger(false)
	}

	s.mu.Lock()
	var events []func()
	records := s.tick(f, &events)
	s.mu.Unlock()

	for _, ev := range events {
		ev()
	}
	if len(records) > 0 && s.sink != nil {
		s.sink.Publish(records...)
	}
	return records
}

func (s *Stimulus) tick(f Frame, events *[]func()) []telemetry.Record {
	s.syncSnapshot(events)

	p := s.machine.Params()
	raw, ok := s.host.CastRay(f.Origin, f.Direction, p.MaxDistance)
	if !ok {
		missesTotal.Inc()
		s.lastHit = false
		return nil
	}

	if s.machine.Prepare().Active() {
		s.host.FaceCamera(f.Camera, p.CalibDistance)
		s.faced = true
	} else if s.faced {
		s.host.RestorePose()
		s.faced = false
	}

	out := s.machine.Step(calib.Input{
		GazeOrigin:   f.Origin,
		GazeTarget:   raw,
		InternalGaze: f.InternalGaze,
		LocalGaze:    f.LocalDirection,
		HasLocalGaze: f.HasLocal,
		Camera:       f.Camera,
		Surface:      s.host,
	})
	s.noteCalibration(out, events)

	uv := s.host.SceneToBillboard(out.Corrected)
	current := s.snap.Find(uv)
	s.lastUV, s.lastHit = uv, true
	if current != aoi.None {
		aoiHitsTotal.Inc()
	}
	s.updateHover(current, events)

	inSelection := s.selectionMode.Load()
	newAOI := aoi.None
	if inSelection {
		newAOI = current
	}
	selected := false
	if s.active != newAOI && s.snap != nil {
		if newAOI == aoi.None && !inSelection {
			selected = true
			selectionsTotal.Inc()
			if s.selection.Toggle(s.active) {
				diagf("AOI %d selected", s.active)
			} else {
				diagf("AOI %d deselected", s.active)
			}
		}
		s.active = newAOI
	}

	ts := f.Time
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	base := telemetry.Record{
		Timestamp:  ts,
		UV:         uv,
		Origin:     f.Origin,
		Target:     out.Corrected,
		LeftPupil:  f.LeftPupil,
		RightPupil: f.RightPupil,
		CF:         out.CF,
		AOI:        current,
	}
	tag := telemetry.LookAt
	if selected {
		tag = telemetry.Select
	}
	records := []telemetry.Record{base.With(tag)}
	if s.released.Swap(false) {
		records = append(records, base.With(telemetry.Released))
	}
	if s.imgUpdated {
		records = append(records, base.With(telemetry.ImageUp))
		s.imgUpdated = false
	}
	return records
}

// syncSnapshot adopts a newly published snapshot: the host is resized and
// the active AOI and selection refer to the old image, so they are reset.
func (s *Stimulus) syncSnapshot(events *[]func()) {
	snap := s.store.Load()
	if snap == s.snap {
		return
	}
	s.snap = snap
	if snap != nil {
		s.host.Resize(snap.Width, snap.Height, snap.ScaleX, snap.ScaleY)
		diagf("stimulus %d adopted (%d AOIs)", snap.Seq, snap.Len())
	}
	if s.hovered != aoi.None {
		left := s.hoveredAOI
		*events = append(*events, func() { s.observer.OnAOILeave(left) })
	}
	s.hovered = aoi.None
	s.hoveredAOI = aoi.AOI{}
	s.active = aoi.None
	s.selection.Clear()
	s.imgUpdated = true
}

func (s *Stimulus) updateHover(current int, events *[]func()) {
	if current == s.hovered {
		return
	}
	if s.hovered != aoi.None {
		left := s.hoveredAOI
		*events = append(*events, func() { s.observer.OnAOILeave(left) })
	}
	s.hovered = current
	s.hoveredAOI = aoi.AOI{}
	if current != aoi.None {
		entered := s.snap.AOIs[current]
		s.hoveredAOI = entered
		*events = append(*events, func() { s.observer.OnAOIEnter(entered) })
		tracef("enter AOI %d %q", entered.ID, entered.Name)
	}
}

func (s *Stimulus) noteCalibration(out calib.Output, events *[]func()) {
	phaseGauge.Set(float64(out.Phase))
	if out.Outlier {
		outliersTotal.Inc()
	}
	if out.PointAdded {
		calibrationPointsTotal.Inc()
	}
	if out.TargetChanged {
		target := s.machine.Target()
		*events = append(*events, func() { s.observer.OnCalibrationTargetMoved(target) })
	}
	if out.Done {
		if s.faced {
			s.host.RestorePose()
			s.faced = false
		}
		points := s.machine.Points()
		*events = append(*events, func() { s.observer.OnCalibrationDone(points) })
	}
}
