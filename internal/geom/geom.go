// Package geom holds the small amount of 2D/3D math shared by the AOI
// hit-tester and the gaze calibration: polygon tests, interpolation, the
// azimuth of a gaze direction and quaternion helpers over gonum types.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Epsilon is the default tolerance for near-zero comparisons.
const Epsilon = 1.0e-5

// Vec2 is a point in stimulus space (normalised UV or image pixels).
type Vec2 struct {
	X, Y float64
}

// Scale returns v multiplied component-wise by (sx, sy).
func (v Vec2) Scale(sx, sy float64) Vec2 {
	return Vec2{X: v.X * sx, Y: v.Y * sy}
}

// Finite reports whether both coordinates are finite numbers.
func (v Vec2) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) && !math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}

// BBox is an axis-aligned box; Min is the left-top corner, Max the right-bottom.
type BBox struct {
	Min, Max Vec2
}

// Contains reports whether p lies inside the box, edges included.
func (b BBox) Contains(p Vec2) bool {
	return p.X >= b.Min.X && p.Y >= b.Min.Y && p.X <= b.Max.X && p.Y <= b.Max.Y
}

// BBoxOf returns the tightest box containing every point of path.
// An empty path yields the zero box.
func BBoxOf(path []Vec2) BBox {
	if len(path) == 0 {
		return BBox{}
	}
	b := BBox{Min: path[0], Max: path[0]}
	for _, p := range path[1:] {
		b.Min.X = math.Min(b.Min.X, p.X)
		b.Min.Y = math.Min(b.Min.Y, p.Y)
		b.Max.X = math.Max(b.Max.X, p.X)
		b.Max.Y = math.Max(b.Max.Y, p.Y)
	}
	return b
}

// PointInPolygon is the even-odd ray casting test. The polygon is implicitly
// closed. Points exactly on an edge may fall either way. Polygons with fewer
// than three vertices never contain anything.
func PointInPolygon(pt Vec2, poly []Vec2) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := poly[i], poly[j]
		if (pi.Y > pt.Y) != (pj.Y > pt.Y) &&
			pt.X < (pj.X-pi.X)*(pt.Y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
	}
	return inside
}

// Lerp interpolates between a and b by t.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Map linearly maps v from [fromMin, fromMax] onto [toMin, toMax]. It does
// not clamp.
func Map(v, fromMin, fromMax, toMin, toMax float64) float64 {
	return toMin + (v-fromMin)/(fromMax-fromMin)*(toMax-toMin)
}

// MapVec2 maps v onto the segment from a to b component-wise.
func MapVec2(v, fromMin, fromMax float64, a, b Vec2) Vec2 {
	return Vec2{
		X: Map(v, fromMin, fromMax, a.X, b.X),
		Y: Map(v, fromMin, fromMax, a.Y, b.Y),
	}
}

// Theta is the azimuth of a gaze direction around the forward (X) axis, in
// [0, 2π]. It is NaN when the direction points straight ahead.
func Theta(gaze r3.Vec) float64 {
	if math.Abs(gaze.Y) < Epsilon && math.Abs(gaze.Z) < Epsilon {
		return math.NaN()
	}
	return math.Atan2(gaze.Y, gaze.Z) + math.Pi
}

// Radius2 is the squared off-axis component of a gaze direction.
func Radius2(gaze r3.Vec) float64 {
	return gaze.Y*gaze.Y + gaze.Z*gaze.Z
}

// Signum compares a and b with tolerance; NaN on either side compares equal.
func Signum(a, b float64) int {
	switch {
	case math.IsNaN(a) || math.IsNaN(b) || math.Abs(a-b) < Epsilon:
		return 0
	case a > b:
		return 1
	default:
		return -1
	}
}

// Pose is a rigid placement in world space.
type Pose struct {
	Position r3.Vec
	Rotation quat.Number
}

// IdentityPose sits at the origin without rotation.
func IdentityPose() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// Forward is the pose's +X axis in world space.
func (p Pose) Forward() r3.Vec {
	return Rotate(p.Rotation, r3.Vec{X: 1})
}
