package calib

import (
	"fmt"

	"github.com/scivi-tools/readingtracker/internal/geom"
)

// Params are the timing and geometry constants of the fixation pattern.
// Sample counts are in ticks; the defaults assume a 90 Hz eye tracker.
type Params struct {
	TargetMaxRadius float64 // pixels
	TargetMinRadius float64 // pixels

	PointsPerRow  int
	RowsInPattern int

	SamplesToStart     int // 2s shrinking dot at the centre
	SamplesToStartMove int // 0.25s glide to the first node
	SamplesToDecrease  int // 1s fixation per node
	SamplesToMove      int // 110ms glide between nodes
	SamplesToReject    int // settle time at the start of each fixation

	StartPosition  float64 // normalised
	EndPosition    float64 // normalised
	CenterPosition float64 // normalised

	OutlierThresholdDeg float64
	MaxDistance         float64 // scene units for correction ray casts
	CalibDistance       float64 // billboard distance in front of the camera while calibrating
	Epsilon             float64
}

// DefaultParams returns the constants the experiment was tuned with.
func DefaultParams() Params {
	return Params{
		TargetMaxRadius:     15,
		TargetMinRadius:     7,
		PointsPerRow:        3,
		RowsInPattern:       3,
		SamplesToStart:      180,
		SamplesToStartMove:  22,
		SamplesToDecrease:   90,
		SamplesToMove:       10,
		SamplesToReject:     45,
		StartPosition:       0.05,
		EndPosition:         0.95,
		CenterPosition:      0.5,
		OutlierThresholdDeg: 3.0,
		MaxDistance:         1000.0,
		CalibDistance:       450.0,
		Epsilon:             geom.Epsilon,
	}
}

// PatternSize is the number of calibration points in a complete pattern.
func (p Params) PatternSize() int {
	return p.PointsPerRow * p.RowsInPattern
}

// MidpointIndex is the index of the pattern's central node.
func (p Params) MidpointIndex() int {
	return p.PatternSize() / 2
}

// PosForIndex returns the normalised screen position of pattern node idx.
// Nodes are laid out row by row from the top-left corner.
func (p Params) PosForIndex(idx int) geom.Vec2 {
	span := p.EndPosition - p.StartPosition
	return geom.Vec2{
		X: float64(idx%p.PointsPerRow)*span/float64(p.PointsPerRow-1) + p.StartPosition,
		Y: float64(idx/p.PointsPerRow)*span/float64(p.RowsInPattern-1) + p.StartPosition,
	}
}

// Validate checks that the parameters describe a runnable pattern.
func (p Params) Validate() error {
	if p.PointsPerRow < 2 || p.RowsInPattern < 2 {
		return fmt.Errorf("pattern must be at least 2x2, got %dx%d", p.PointsPerRow, p.RowsInPattern)
	}
	if p.PatternSize() < 3 {
		return fmt.Errorf("pattern needs at least 3 points, got %d", p.PatternSize())
	}
	for name, v := range map[string]int{
		"samples_to_start":      p.SamplesToStart,
		"samples_to_start_move": p.SamplesToStartMove,
		"samples_to_decrease":   p.SamplesToDecrease,
		"samples_to_move":       p.SamplesToMove,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if p.SamplesToReject < 0 || p.SamplesToReject >= p.SamplesToDecrease-1 {
		return fmt.Errorf("samples_to_reject must be in [0, %d), got %d", p.SamplesToDecrease-1, p.SamplesToReject)
	}
	if p.TargetMinRadius <= 0 || p.TargetMaxRadius < p.TargetMinRadius {
		return fmt.Errorf("target radius range [%g, %g] is invalid", p.TargetMinRadius, p.TargetMaxRadius)
	}
	if p.StartPosition < 0 || p.EndPosition > 1 || p.StartPosition >= p.EndPosition {
		return fmt.Errorf("pattern span [%g, %g] must lie within [0, 1]", p.StartPosition, p.EndPosition)
	}
	if p.OutlierThresholdDeg <= 0 {
		return fmt.Errorf("outlier threshold must be positive, got %g", p.OutlierThresholdDeg)
	}
	if p.MaxDistance <= 0 || p.CalibDistance <= 0 {
		return fmt.Errorf("distances must be positive (max=%g calib=%g)", p.MaxDistance, p.CalibDistance)
	}
	if p.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %g", p.Epsilon)
	}
	return nil
}
