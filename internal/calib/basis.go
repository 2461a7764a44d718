package calib

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/geom"
)

// Point is one node of a finished pattern: the internal gaze direction the
// tracker measured while the participant fixated the node, and the rotation
// that takes the reported gaze ray onto the true one.
type Point struct {
	Gaze       r3.Vec
	Correction quat.Number
}

// AzEl returns the azimuth and elevation of the measured gaze in degrees.
// Scene axes are x forward, y left, z up; positive azimuth is to the right.
func (p Point) AzEl() (az, el float64) {
	g := p.Gaze
	az = math.Atan2(-g.Y, g.X) * 180 / math.Pi
	el = math.Atan2(g.Z, math.Hypot(g.X, g.Y)) * 180 / math.Pi
	return az, el
}

// CorrectionDeg is the rotation angle of the correction in degrees.
func (p Point) CorrectionDeg() float64 {
	q := geom.Normalize(p.Correction)
	return 2 * math.Acos(math.Min(1, math.Abs(q.Real))) * 180 / math.Pi
}

// Basis is the set of up to three calibration points blended for one gaze
// sample, with their non-negative weights.
type Basis struct {
	Points  [3]Point
	Weights [3]float64
}

// Blend returns the weighted, renormalised correction quaternion.
func (b Basis) Blend() quat.Number {
	var q quat.Number
	for i := range b.Points {
		q = quat.Add(q, quat.Scale(b.Weights[i], b.Points[i].Correction))
	}
	return geom.Normalize(q)
}

func single(p Point) Basis {
	return Basis{Points: [3]Point{p, p, p}, Weights: [3]float64{1, 0, 0}}
}

// PositiveOctant expresses gaze as w1*p1 + w2*p2 + w3*p3 over the gaze
// directions of the three points. It reports false when the basis is
// singular (|det| < eps) or any weight is negative. Weights within eps of
// zero are snapped to zero.
func PositiveOctant(gaze r3.Vec, p1, p2, p3 Point, eps float64) ([3]float64, bool) {
	var w [3]float64
	a := mat.NewDense(3, 3, []float64{
		p1.Gaze.X, p2.Gaze.X, p3.Gaze.X,
		p1.Gaze.Y, p2.Gaze.Y, p3.Gaze.Y,
		p1.Gaze.Z, p2.Gaze.Z, p3.Gaze.Z,
	})
	if math.Abs(mat.Det(a)) < eps {
		return w, false
	}
	var x mat.VecDense
	if err := x.SolveVec(a, mat.NewVecDense(3, []float64{gaze.X, gaze.Y, gaze.Z})); err != nil {
		return w, false
	}
	for i := range w {
		w[i] = x.AtVec(i)
		if math.Abs(w[i]) < eps {
			w[i] = 0
		}
	}
	return w, w[0] >= 0 && w[1] >= 0 && w[2] >= 0
}

// FindBasis picks the calibration points used to correct gaze. The pattern
// midpoint is always the first member; the other two are the remaining
// points closest in direction to gaze. If gaze is outside their positive
// span, or points straight ahead, a single point gets all the weight.
// It reports false only when there are not enough points to work with.
func FindBasis(gaze r3.Vec, points []Point, midpoint int, eps float64) (Basis, bool) {
	if midpoint < 0 || midpoint >= len(points) {
		return Basis{}, false
	}
	if math.IsNaN(geom.Theta(gaze)) {
		return single(points[midpoint]), true
	}

	i2 := nearest(gaze, points, midpoint, -1)
	i3 := nearest(gaze, points, midpoint, i2)
	if i2 < 0 || i3 < 0 {
		return Basis{}, false
	}

	p1, p2, p3 := points[midpoint], points[i2], points[i3]
	w, ok := PositiveOctant(gaze, p1, p2, p3, eps)
	if !ok {
		return single(points[nearest(gaze, points, -1, -1)]), true
	}
	return Basis{Points: [3]Point{p1, p2, p3}, Weights: w}, true
}

// nearest returns the index of the point whose gaze has the largest dot
// product with gaze, skipping the two excluded indices, or -1.
func nearest(gaze r3.Vec, points []Point, skipA, skipB int) int {
	best, bestDot := -1, -2.0
	for i := range points {
		if i == skipA || i == skipB {
			continue
		}
		if d := r3.Dot(gaze, points[i].Gaze); d > bestDot {
			best, bestDot = i, d
		}
	}
	return best
}
