package gazesource

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/geom"
	"github.com/scivi-tools/readingtracker/internal/tracker"
)

func assertVec(t *testing.T, want, got r3.Vec) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, 1e-9, "x")
	assert.InDelta(t, want.Y, got.Y, 1e-9, "y")
	assert.InDelta(t, want.Z, got.Z, 1e-9, "z")
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{`{"origin":[0,0,0],"dir":[1,0,0]}`, LineFrame},
		{`  {"firmware":"1.4"}`, LineStatus},
		{`OK`, LineUnknown},
		{``, LineUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyLine(tt.line), tt.line)
	}
}

func TestParseFrame_Full(t *testing.T) {
	line := `{
		"t": 1700000000500,
		"origin": [1, 2, 3],
		"dir": [1, 0, 0],
		"local": [0.9, 0.1, 0],
		"left":  {"gaze": [0, 0, 1], "pupil": 3.5, "openness": 1},
		"right": {"gaze": [0, 0, 1], "pupil": 3.7, "openness": 0.8},
		"camera": {"pos": [0, 0, 170], "rot": [2, 0, 0, 0]},
		"trigger": "released"
	}`
	f, err := ParseFrame(line)
	require.NoError(t, err)

	assertVec(t, r3.Vec{X: 1, Y: 2, Z: 3}, f.Origin)
	assertVec(t, r3.Vec{X: 1}, f.Direction)
	assert.True(t, f.HasLocal)
	assertVec(t, r3.Vec{X: 0.9, Y: 0.1}, f.LocalDirection)
	// Tracker +Z (forward) is scene +X.
	assertVec(t, r3.Vec{X: 1}, f.InternalGaze)
	assert.Equal(t, 3.5, f.LeftPupil)
	assert.Equal(t, 3.7, f.RightPupil)
	assert.Equal(t, 1.0, f.LeftOpenness)
	assert.Equal(t, 0.8, f.RightOpenness)
	assertVec(t, r3.Vec{Z: 170}, f.Camera.Position)
	assert.InDelta(t, 1, f.Camera.Rotation.Real, 1e-12, "camera rotation is normalised")
	assert.Equal(t, tracker.TriggerReleased, f.Trigger)
	assert.Equal(t, int64(1700000000500), f.Time.UnixMilli())
}

func TestParseFrame_AxisConversionAndAveraging(t *testing.T) {
	// Left looks along tracker +X, right along tracker +Y. In scene axes
	// those are -Y and +Z; the average is normalised.
	f, err := ParseFrame(`{"origin":[0,0,0],"dir":[1,0,0],
		"left":{"gaze":[1,0,0],"openness":1},
		"right":{"gaze":[0,1,0],"openness":1}}`)
	require.NoError(t, err)
	s := 1 / math.Sqrt2
	assertVec(t, r3.Vec{Y: -s, Z: s}, f.InternalGaze)
}

func TestParseFrame_ClosedEyeIgnored(t *testing.T) {
	f, err := ParseFrame(`{"origin":[0,0,0],"dir":[1,0,0],
		"left":{"gaze":[1,0,0],"openness":0},
		"right":{"gaze":[0,0,1],"openness":1}}`)
	require.NoError(t, err)
	assertVec(t, r3.Vec{X: 1}, f.InternalGaze)
	assert.Zero(t, f.LeftOpenness)
	assert.Equal(t, 1.0, f.RightOpenness)

	f, err = ParseFrame(`{"origin":[0,0,0],"dir":[1,0,0],
		"left":{"gaze":[1,0,0],"openness":0},
		"right":{"gaze":[0,0,1],"openness":0}}`)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{}, f.InternalGaze)
	assert.True(t, math.IsNaN(geom.Theta(f.InternalGaze)), "zero gaze falls back to the midpoint basis")
}

func TestParseFrame_Defaults(t *testing.T) {
	f, err := ParseFrame(`{"origin":[0,0,0],"dir":[0,1,0]}`)
	require.NoError(t, err)
	assert.True(t, f.Time.IsZero())
	assert.False(t, f.HasLocal)
	assert.Equal(t, geom.IdentityPose(), f.Camera)
	assert.Equal(t, tracker.TriggerNone, f.Trigger)

	f, err = ParseFrame(`{"origin":[0,0,0],"dir":[0,1,0],"camera":{"pos":[1,1,1],"rot":[0,0,0,0]}}`)
	require.NoError(t, err)
	assert.Equal(t, geom.Identity, f.Camera.Rotation)
}

func TestParseFrame_Malformed(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"dir":[1,0,0]}`,
		`{"origin":[0,0,0]}`,
		`{"origin":[0,0,0],"dir":[1,0]}`,
		`{"origin":[0,0,0],"dir":[1,0,0],"trigger":"maybe"}`,
	} {
		_, err := ParseFrame(line)
		assert.ErrorIs(t, err, ErrMalformedFrame, line)
	}
}
