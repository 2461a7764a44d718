package gazesource

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/geom"
	"github.com/scivi-tools/readingtracker/internal/tracker"
)

var ErrMalformedFrame = errors.New("malformed gaze frame")

const (
	LineFrame   = "frame"
	LineStatus  = "status"
	LineUnknown = "unknown"
)

// ClassifyLine inspects a bridge line and returns its kind. Frames carry a
// combined gaze direction; any other JSON object is a status report.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return LineUnknown
	}
	if strings.Contains(line, `"dir"`) {
		return LineFrame
	}
	return LineStatus
}

type vec3 [3]float64

func (v *vec3) UnmarshalJSON(b []byte) error {
	var c []float64
	if err := json.Unmarshal(b, &c); err != nil {
		return err
	}
	if len(c) != 3 {
		return fmt.Errorf("want 3 components, got %d", len(c))
	}
	copy(v[:], c)
	return nil
}

func (v vec3) r3() r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

type wireEye struct {
	Gaze     *vec3   `json:"gaze"`
	Pupil    float64 `json:"pupil"`
	Openness float64 `json:"openness"`
}

type wireCamera struct {
	Pos vec3       `json:"pos"`
	Rot [4]float64 `json:"rot"` // w, x, y, z
}

type wireFrame struct {
	T       int64       `json:"t"` // unix ms, bridge clock
	Origin  *vec3       `json:"origin"`
	Dir     *vec3       `json:"dir"`
	Local   *vec3       `json:"local"`
	Left    *wireEye    `json:"left"`
	Right   *wireEye    `json:"right"`
	Camera  *wireCamera `json:"camera"`
	Trigger string      `json:"trigger"`
}

// ParseFrame decodes one bridge frame line.
//
// The per-eye gaze arrives in the tracker's axes and is converted to scene
// axes with (x, y, z) -> (z, -x, y); open eyes are averaged and the result
// normalised. An eye with openness 0 is treated as closed. With both eyes
// closed InternalGaze is the zero vector.
func ParseFrame(line string) (tracker.Frame, error) {
	var w wireFrame
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return tracker.Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if w.Origin == nil || w.Dir == nil {
		return tracker.Frame{}, fmt.Errorf("%w: origin and dir are required", ErrMalformedFrame)
	}

	f := tracker.Frame{
		Origin:    w.Origin.r3(),
		Direction: w.Dir.r3(),
		Camera:    geom.IdentityPose(),
	}
	if w.T > 0 {
		f.Time = time.UnixMilli(w.T)
	}
	if w.Local != nil {
		f.LocalDirection = w.Local.r3()
		f.HasLocal = true
	}
	if w.Camera != nil {
		rot := quat.Number{Real: w.Camera.Rot[0], Imag: w.Camera.Rot[1], Jmag: w.Camera.Rot[2], Kmag: w.Camera.Rot[3]}
		f.Camera = geom.Pose{Position: w.Camera.Pos.r3(), Rotation: geom.Normalize(rot)}
	}

	var sum r3.Vec
	for _, eye := range []*wireEye{w.Left, w.Right} {
		if eye == nil {
			continue
		}
		if eye.Gaze != nil && eye.Openness > 0 {
			sum = r3.Add(sum, sceneAxes(eye.Gaze.r3()))
		}
	}
	if w.Left != nil {
		f.LeftPupil, f.LeftOpenness = w.Left.Pupil, w.Left.Openness
	}
	if w.Right != nil {
		f.RightPupil, f.RightOpenness = w.Right.Pupil, w.Right.Openness
	}
	if r3.Norm(sum) > 0 {
		f.InternalGaze = geom.Unit(sum)
	}

	switch strings.ToLower(w.Trigger) {
	case "":
	case "pressed", "down":
		f.Trigger = tracker.TriggerPressed
	case "released", "up":
		f.Trigger = tracker.TriggerReleased
	default:
		return tracker.Frame{}, fmt.Errorf("%w: unknown trigger %q", ErrMalformedFrame, w.Trigger)
	}
	return f, nil
}

// sceneAxes converts a tracker-space direction to scene axes.
func sceneAxes(v r3.Vec) r3.Vec {
	return r3.Vec{X: v.Z, Y: -v.X, Z: v.Y}
}
