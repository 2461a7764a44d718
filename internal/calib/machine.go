// Package calib implements the custom gaze calibration: a moving fixation
// target walked over a grid of nodes, per-node rotation corrections, and the
// interpolated correction applied to every gaze sample once the pattern is
// complete.
package calib

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/geom"
)

// Phase is the state of the calibration machine.
type Phase int

const (
	None Phase = iota
	StartDecreases
	StartMoves
	TargetDecreases
	TargetMoves
	Done
)

func (p Phase) String() string {
	switch p {
	case None:
		return "none"
	case StartDecreases:
		return "start_decreases"
	case StartMoves:
		return "start_moves"
	case TargetDecreases:
		return "target_decreases"
	case TargetMoves:
		return "target_moves"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Active reports whether the fixation pattern is currently being shown.
func (p Phase) Active() bool {
	return p != None && p != Done
}

// Target is the fixation dot: its normalised position on the billboard and
// its radius in pixels.
type Target struct {
	Location geom.Vec2
	Radius   float64
}

// Surface is the stimulus plane the machine measures against.
type Surface interface {
	BillboardToScene(uv geom.Vec2) r3.Vec
	SceneToBillboard(p r3.Vec) geom.Vec2
	CastRay(origin, dir r3.Vec, maxDist float64) (r3.Vec, bool)
}

// Input is one gaze sample.
type Input struct {
	GazeOrigin   r3.Vec // world-space ray origin
	GazeTarget   r3.Vec // raw hit of the gaze ray on the stimulus
	InternalGaze r3.Vec // tracker's own gaze direction, scene axes
	LocalGaze    r3.Vec // gaze direction in camera space
	HasLocalGaze bool
	Camera       geom.Pose
	Surface      Surface
}

// Output is the result of one Step.
type Output struct {
	Corrected r3.Vec
	// CF is the scalar part of the blended correction in Done, -1 otherwise.
	CF float64

	Phase         Phase
	PhaseChanged  bool
	TargetChanged bool
	PointAdded    bool
	Done          bool // the pattern completed on this step
	Outlier       bool
}

type request int32

const (
	noRequest request = iota
	recalibrateRequest
	abortRequest
)

// Machine is the calibration state machine. Step must be called from a
// single goroutine; Recalibrate and Abort may be called from any goroutine
// and take effect at the start of the next Step.
type Machine struct {
	params  Params
	pending atomic.Int32

	// mu guards the fields below for readers on other goroutines
	// (monitor, persistence). Step is the only writer.
	mu      sync.RWMutex
	phase   Phase
	target  Target
	points  []Point
	samples int

	accReported r3.Vec
	accReal     r3.Vec
	accInternal r3.Vec

	// requestChanged carries a phase change made by Prepare into the
	// Output of the following Step.
	requestChanged bool
}

// NewMachine returns an idle machine. Invalid params are rejected.
func NewMachine(p Params) (*Machine, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration params: %w", err)
	}
	return &Machine{
		params: p,
		target: Target{
			Location: geom.Vec2{X: p.CenterPosition, Y: p.CenterPosition},
			Radius:   p.TargetMaxRadius,
		},
	}, nil
}

// Params returns the machine's constants.
func (m *Machine) Params() Params { return m.params }

// Recalibrate requests a fresh pattern. A later Abort overrides it.
func (m *Machine) Recalibrate() {
	m.pending.Store(int32(recalibrateRequest))
}

// Abort requests that a running pattern stop and its collected points be
// dropped. It has no effect in None or Done, so a finished calibration
// survives. A later Recalibrate overrides it.
func (m *Machine) Abort() {
	m.pending.Store(int32(abortRequest))
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Target returns the current fixation target.
func (m *Machine) Target() Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target
}

// Points returns a copy of the collected calibration points.
func (m *Machine) Points() []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Point(nil), m.points...)
}

// Restore loads a previously completed pattern and moves straight to Done.
// It must not race with Step.
func (m *Machine) Restore(points []Point) error {
	if len(points) != m.params.PatternSize() {
		return fmt.Errorf("restore: need %d points, got %d", m.params.PatternSize(), len(points))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append([]Point(nil), points...)
	m.phase = Done
	m.samples = 0
	m.resetAccumulators()
	diagf("restored calibration with %d points", len(points))
	return nil
}

func (m *Machine) resetAccumulators() {
	m.accReported = r3.Vec{}
	m.accReal = r3.Vec{}
	m.accInternal = r3.Vec{}
}

func (m *Machine) setPhase(p Phase, out *Output) {
	if m.phase == p {
		return
	}
	diagf("phase %s -> %s (points=%d)", m.phase, p, len(m.points))
	m.phase = p
	out.PhaseChanged = true
}

func (m *Machine) consumeRequest() {
	var out Output
	switch request(m.pending.Swap(int32(noRequest))) {
	case recalibrateRequest:
		m.points = m.points[:0]
		m.samples = 0
		m.resetAccumulators()
		m.setPhase(StartDecreases, &out)
		opsf("calibration started")
	case abortRequest:
		if !m.phase.Active() {
			diagf("abort ignored in phase %s", m.phase)
			break
		}
		m.points = m.points[:0]
		m.samples = 0
		m.resetAccumulators()
		m.setPhase(None, &out)
		opsf("calibration aborted")
	}
	m.requestChanged = m.requestChanged || out.PhaseChanged
}

// Prepare applies any pending Recalibrate or Abort and returns the phase the
// next Step will run in. Hosts call it to place the stimulus before the
// sample is measured.
func (m *Machine) Prepare() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeRequest()
	return m.phase
}

// Step advances the machine by one gaze sample.
func (m *Machine) Step(in Input) Output {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumeRequest()
	out := Output{Corrected: in.GazeTarget, CF: -1, PhaseChanged: m.requestChanged}
	m.requestChanged = false

	p := m.params
	switch m.phase {
	case StartDecreases:
		m.target.Location = geom.Vec2{X: p.CenterPosition, Y: p.CenterPosition}
		m.target.Radius = geom.Map(float64(m.samples), 0, float64(p.SamplesToStart), p.TargetMaxRadius, p.TargetMinRadius)
		out.TargetChanged = true
		m.samples++
		if m.samples >= p.SamplesToStart {
			m.samples = 0
			m.setPhase(StartMoves, &out)
		}

	case StartMoves:
		pos := geom.Map(float64(m.samples), 0, float64(p.SamplesToStartMove), p.CenterPosition, p.StartPosition)
		m.samples++
		if m.samples >= p.SamplesToStartMove {
			m.target.Location = p.PosForIndex(0)
			m.samples = 0
			m.resetAccumulators()
			m.setPhase(TargetDecreases, &out)
		} else {
			m.target.Location = geom.Vec2{X: pos, Y: pos}
		}
		out.TargetChanged = true

	case TargetDecreases:
		m.target.Radius = geom.Map(float64(m.samples), 0, float64(p.SamplesToDecrease), p.TargetMaxRadius, p.TargetMinRadius)
		out.TargetChanged = true
		m.measure(in, &out)
		if m.samples >= p.SamplesToDecrease {
			m.points = append(m.points, Point{
				Gaze:       m.accInternal,
				Correction: geom.FindBetween(m.accReported, m.accReal),
			})
			out.PointAdded = true
			tracef("point %d gaze=%v corr=%v", len(m.points)-1, m.accInternal, m.points[len(m.points)-1].Correction)
			m.samples = 0
			m.setPhase(TargetMoves, &out)
		}

	case TargetMoves:
		idx := len(m.points)
		if idx >= p.PatternSize() {
			m.setPhase(Done, &out)
			out.Done = true
			opsf("calibration complete with %d points", idx)
			break
		}
		to := p.PosForIndex(idx)
		m.samples++
		if m.samples >= p.SamplesToMove {
			m.target.Location = to
			m.samples = 0
			m.resetAccumulators()
			m.setPhase(TargetDecreases, &out)
		} else {
			from := p.PosForIndex(idx - 1)
			m.target.Location = geom.MapVec2(float64(m.samples), 0, float64(p.SamplesToMove), from, to)
		}
		out.TargetChanged = true

	case Done:
		m.correct(in, &out)
	}

	out.Phase = m.phase
	return out
}

// measure compares the reported gaze against the true direction to the
// target. Samples deviating more than the outlier threshold restart the
// fixation; samples past the settle window are accumulated.
func (m *Machine) measure(in Input, out *Output) {
	p := m.params
	dev := -1.0
	if in.Surface != nil {
		reported := geom.Unit(r3.Sub(in.GazeTarget, in.GazeOrigin))
		truth := geom.Unit(r3.Sub(in.Surface.BillboardToScene(m.target.Location), in.GazeOrigin))
		dev = geom.AngleDeg(reported, truth)
		if dev < p.OutlierThresholdDeg {
			if m.samples > p.SamplesToReject {
				m.accReported = geom.Unit(r3.Add(m.accReported, reported))
				m.accReal = geom.Unit(r3.Add(m.accReal, truth))
				m.accInternal = geom.Unit(r3.Add(m.accInternal, in.InternalGaze))
			}
			m.samples++
			return
		}
	}
	tracef("outlier at node %d: %.2f deg after %d samples", len(m.points), dev, m.samples)
	out.Outlier = true
	m.samples = 0
	m.resetAccumulators()
}

// correct rotates the camera-space gaze by the blended correction and casts
// it through the surface. Any failure leaves the raw target in place.
func (m *Machine) correct(in Input, out *Output) {
	p := m.params
	basis, ok := FindBasis(in.InternalGaze, m.points, p.MidpointIndex(), p.Epsilon)
	if !ok {
		diagf("no calibration basis for gaze %v; passing raw gaze", in.InternalGaze)
		return
	}
	corr := basis.Blend()
	out.CF = corr.Real

	if !in.HasLocalGaze || in.Surface == nil {
		return
	}
	dir := geom.Rotate(corr, geom.Rotate(in.Camera.Rotation, in.LocalGaze))
	hit, ok := in.Surface.CastRay(in.Camera.Position, dir, p.MaxDistance)
	if !ok {
		tracef("corrected ray %v missed the stimulus", dir)
		return
	}
	out.Corrected = hit
}
