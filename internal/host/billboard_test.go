package host

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/geom"
)

func assertVecNear(t *testing.T, want, got r3.Vec, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, "X")
	assert.InDelta(t, want.Y, got.Y, delta, "Y")
	assert.InDelta(t, want.Z, got.Z, delta, "Z")
}

func newTestBillboard() *Billboard {
	return NewBillboard(HomeAt(450, 0), geom.Vec2{})
}

func TestBillboard_RoundTrip(t *testing.T) {
	b := newTestBillboard()
	b.Resize(1600, 900, 1, 1)
	for _, uv := range []geom.Vec2{{X: 0.5, Y: 0.5}, {X: 0, Y: 0}, {X: 0.25, Y: 0.9}, {X: 1, Y: 1}} {
		got := b.SceneToBillboard(b.BillboardToScene(uv))
		assert.InDelta(t, uv.X, got.X, 1e-9)
		assert.InDelta(t, uv.Y, got.Y, 1e-9)
	}
}

func TestBillboard_UprightOrientation(t *testing.T) {
	b := newTestBillboard()
	assertVecNear(t, r3.Vec{X: 450}, b.BillboardToScene(geom.Vec2{X: 0.5, Y: 0.5}), 1e-9)
	assertVecNear(t, r3.Vec{X: 1}, b.Normal(), 1e-12)

	top := b.BillboardToScene(geom.Vec2{X: 0.5, Y: 0})
	bottom := b.BillboardToScene(geom.Vec2{X: 0.5, Y: 1})
	assert.Greater(t, top.Z, bottom.Z, "v grows downwards")

	left := b.BillboardToScene(geom.Vec2{X: 0, Y: 0.5})
	right := b.BillboardToScene(geom.Vec2{X: 1, Y: 0.5})
	assert.InDelta(t, 2*DefaultExtent, left.Y-right.Y, 1e-9)
}

func TestBillboard_CastRay(t *testing.T) {
	b := newTestBillboard()

	hit, ok := b.CastRay(r3.Vec{}, r3.Vec{X: 1}, 1000)
	require.True(t, ok)
	assertVecNear(t, r3.Vec{X: 450}, hit, 1e-9)
	uv := b.SceneToBillboard(hit)
	assert.InDelta(t, 0.5, uv.X, 1e-9)
	assert.InDelta(t, 0.5, uv.Y, 1e-9)

	tests := []struct {
		name   string
		origin r3.Vec
		dir    r3.Vec
		max    float64
	}{
		{"away", r3.Vec{}, r3.Vec{X: -1}, 1000},
		{"parallel", r3.Vec{}, r3.Vec{Y: 1}, 1000},
		{"too far", r3.Vec{}, r3.Vec{X: 1}, 100},
		{"off the edge", r3.Vec{}, geom.Unit(r3.Vec{X: 1, Z: 1}), 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := b.CastRay(tt.origin, tt.dir, tt.max)
			assert.False(t, ok)
		})
	}
}

func TestBillboard_ResizeScalesWidth(t *testing.T) {
	b := newTestBillboard()
	b.Resize(200, 100, 1, 0.5)
	s := b.Scale()
	assert.InDelta(t, 2*StimulusScale, s.X, 1e-12)
	assert.InDelta(t, 0.5*StimulusScale, s.Y, 1e-12)
	assert.Equal(t, 1.0, s.Z)

	// A ray that missed the unit-scale plane now lands on the wider stimulus.
	dir := geom.Unit(r3.Vec{X: 450, Y: -80})
	_, ok := b.CastRay(r3.Vec{}, dir, 1000)
	assert.True(t, ok)

	b.Resize(0, 100, 1, 1)
	assert.Equal(t, s, b.Scale())
}

func TestBillboard_FaceCameraAndRestore(t *testing.T) {
	b := newTestBillboard()
	home := b.Pose()

	cam := geom.Pose{
		Position: r3.Vec{X: 10, Y: 20, Z: 170},
		Rotation: geom.AxisAngle(r3.Vec{Z: 1}, math.Pi/2),
	}
	b.FaceCamera(cam, 450)

	centre := b.BillboardToScene(geom.Vec2{X: 0.5, Y: 0.5})
	assertVecNear(t, r3.Add(cam.Position, r3.Scale(450, cam.Forward())), centre, 1e-9)
	assertVecNear(t, cam.Forward(), b.Normal(), 1e-12)

	hit, ok := b.CastRay(cam.Position, cam.Forward(), 1000)
	require.True(t, ok)
	uv := b.SceneToBillboard(hit)
	assert.InDelta(t, 0.5, uv.X, 1e-9)
	assert.InDelta(t, 0.5, uv.Y, 1e-9)

	// Resizing while pinned keeps the old home.
	b.Resize(100, 100, 1, 1)
	b.RestorePose()
	assert.Equal(t, home, b.Pose())
}
