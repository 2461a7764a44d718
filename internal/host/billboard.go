// Package host provides the headless stand-in for the stimulus actor: a
// scaled, rotated plane in world space that gaze rays are cast against.
package host

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/geom"
)

// StimulusScale is the world size of one unit of image aspect. It matches
// the texture-to-mesh ratio the stimuli were authored against.
const StimulusScale = 1.218

// DefaultExtent is the half-size of the unscaled billboard mesh.
const DefaultExtent = 50.0

// Upright is the mesh orientation of a billboard standing in front of an
// identity camera and facing it: the mesh normal (local +Z) points along
// world +X, local +X runs to world -Y and local +Y runs down.
var Upright = quat.Mul(
	geom.AxisAngle(r3.Vec{Z: -1}, math.Pi/2),
	geom.AxisAngle(r3.Vec{X: 1}, -math.Pi/2),
)

// Billboard is the stimulus plane. Local coordinates span
// [-Extent.X, Extent.X] x [-Extent.Y, Extent.Y] at Z=0 before scaling.
// It is safe for concurrent use.
type Billboard struct {
	mu     sync.RWMutex
	pose   geom.Pose
	scale  r3.Vec
	extent geom.Vec2
	home   geom.Pose
	faced  bool
}

// NewBillboard places a billboard at home with unit scale.
func NewBillboard(home geom.Pose, extent geom.Vec2) *Billboard {
	if extent.X <= 0 || extent.Y <= 0 {
		extent = geom.Vec2{X: DefaultExtent, Y: DefaultExtent}
	}
	home.Rotation = geom.Normalize(home.Rotation)
	return &Billboard{
		pose:   home,
		home:   home,
		scale:  r3.Vec{X: 1, Y: 1, Z: 1},
		extent: extent,
	}
}

// HomeAt returns an upright home pose at distance in front of the origin,
// turned by yaw radians about the vertical axis.
func HomeAt(distance, yaw float64) geom.Pose {
	turn := geom.AxisAngle(r3.Vec{Z: 1}, yaw)
	return geom.Pose{
		Position: geom.Rotate(turn, r3.Vec{X: distance}),
		Rotation: quat.Mul(turn, Upright),
	}
}

// Pose returns the current placement.
func (b *Billboard) Pose() geom.Pose {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pose
}

// Scale returns the current mesh scale.
func (b *Billboard) Scale() r3.Vec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scale
}

// Normal is the plane normal in world space.
func (b *Billboard) Normal() r3.Vec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return geom.Rotate(b.pose.Rotation, r3.Vec{Z: 1})
}

func (b *Billboard) toWorld(local r3.Vec) r3.Vec {
	scaled := r3.Vec{X: local.X * b.scale.X, Y: local.Y * b.scale.Y, Z: local.Z * b.scale.Z}
	return r3.Add(b.pose.Position, geom.Rotate(b.pose.Rotation, scaled))
}

func (b *Billboard) toLocalDir(dir r3.Vec) r3.Vec {
	d := geom.Rotate(quat.Conj(b.pose.Rotation), dir)
	return r3.Vec{X: d.X / b.scale.X, Y: d.Y / b.scale.Y, Z: d.Z / b.scale.Z}
}

func (b *Billboard) toLocal(p r3.Vec) r3.Vec {
	return b.toLocalDir(r3.Sub(p, b.pose.Position))
}

// BillboardToScene maps normalised stimulus coordinates to a world point on
// the plane.
func (b *Billboard) BillboardToScene(uv geom.Vec2) r3.Vec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.toWorld(r3.Vec{
		X: b.extent.X * (2*uv.X - 1),
		Y: b.extent.Y * (2*uv.Y - 1),
	})
}

// SceneToBillboard maps a world point to normalised stimulus coordinates.
// Points off the plane are projected along its normal.
func (b *Billboard) SceneToBillboard(p r3.Vec) geom.Vec2 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	local := b.toLocal(p)
	return geom.Vec2{
		X: (local.X/b.extent.X + 1) / 2,
		Y: (local.Y/b.extent.Y + 1) / 2,
	}
}

// CastRay intersects the ray origin + t*dir with the plane. It reports a
// miss when the ray is parallel to the plane, points away from it, lands
// outside the stimulus, or travels further than maxDist.
func (b *Billboard) CastRay(origin, dir r3.Vec, maxDist float64) (r3.Vec, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lo := b.toLocal(origin)
	ld := b.toLocalDir(dir)
	if math.Abs(ld.Z) < geom.Epsilon {
		return r3.Vec{}, false
	}
	t := -lo.Z / ld.Z
	if t < 0 || math.IsNaN(t) {
		return r3.Vec{}, false
	}
	if t*r3.Norm(dir) > maxDist {
		return r3.Vec{}, false
	}
	hx, hy := lo.X+t*ld.X, lo.Y+t*ld.Y
	if math.Abs(hx) > b.extent.X || math.Abs(hy) > b.extent.Y {
		return r3.Vec{}, false
	}
	return r3.Add(origin, r3.Scale(t, dir)), true
}

// FaceCamera pins the billboard distance units in front of the camera,
// facing it. Used while the calibration pattern is shown.
func (b *Billboard) FaceCamera(cam geom.Pose, distance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pose = geom.Pose{
		Position: r3.Add(cam.Position, r3.Scale(distance, cam.Forward())),
		Rotation: geom.Normalize(quat.Mul(cam.Rotation, Upright)),
	}
	if !b.faced {
		tracef("facing camera at %v", b.pose.Position)
	}
	b.faced = true
}

// RestorePose returns the billboard to its home placement.
func (b *Billboard) RestorePose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pose = b.home
	b.faced = false
	diagf("restored home pose %v", b.home.Position)
}

// Resize rescales the billboard to a width x height image shown at
// scaleX, scaleY. While the billboard is not pinned to the camera the
// current placement also becomes the new home.
func (b *Billboard) Resize(width, height int, scaleX, scaleY float64) {
	if width <= 0 || height <= 0 {
		opsf("ignoring resize to %dx%d", width, height)
		return
	}
	aspect := float64(width) / float64(height)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scale = r3.Vec{X: aspect * StimulusScale * scaleX, Y: StimulusScale * scaleY, Z: 1}
	if !b.faced {
		b.home = b.pose
	}
	diagf("resized to %dx%d scale=(%.3f, %.3f)", width, height, b.scale.X, b.scale.Y)
}
