package scivi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/geom"
)

// Kind identifies an inbound SciVi message.
type Kind int

const (
	KindImage Kind = iota
	KindCalibrate
	KindCustomCalibrate
	KindMotionControllerVisibility
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindCalibrate:
		return "calibrate"
	case KindCustomCalibrate:
		return "customCalibrate"
	case KindMotionControllerVisibility:
		return "setMotionControllerVisibility"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// WireAOI is an AOI as SciVi sends it. Coordinates are image pixels.
type WireAOI struct {
	Name string      `json:"name"`
	Path [][]float64 `json:"path"`
	BBox []float64   `json:"bbox,omitempty"`
}

// Raw converts the wire form. Points without two coordinates become NaN so
// the AOI keeps its index but never matches.
func (w WireAOI) Raw() aoi.Raw {
	r := aoi.Raw{Name: w.Name, Path: make([]geom.Vec2, len(w.Path))}
	for i, pt := range w.Path {
		if len(pt) < 2 {
			r.Path[i] = geom.Vec2{X: math.NaN(), Y: math.NaN()}
			continue
		}
		r.Path[i] = geom.Vec2{X: pt[0], Y: pt[1]}
	}
	if len(w.BBox) == 4 {
		r.Box = &geom.BBox{
			Min: geom.Vec2{X: w.BBox[0], Y: w.BBox[1]},
			Max: geom.Vec2{X: w.BBox[2], Y: w.BBox[3]},
		}
	}
	return r
}

// ImageMessage carries a new stimulus.
type ImageMessage struct {
	Image  string    `json:"image"`
	ScaleX float64   `json:"scaleX"`
	ScaleY float64   `json:"scaleY"`
	AOIs   []WireAOI `json:"AOIs"`
}

// Scale returns the display scale, treating missing or non-positive values
// as 1.
func (m ImageMessage) Scale() (float64, float64) {
	sx, sy := m.ScaleX, m.ScaleY
	if !(sx > 0) {
		sx = 1
	}
	if !(sy > 0) {
		sy = 1
	}
	return sx, sy
}

// Raws converts every AOI of the message.
func (m ImageMessage) Raws() []aoi.Raw {
	raws := make([]aoi.Raw, len(m.AOIs))
	for i, a := range m.AOIs {
		raws[i] = a.Raw()
	}
	return raws
}

// Message is a decoded inbound message.
type Message struct {
	Kind    Kind
	Visible bool          // KindMotionControllerVisibility
	Image   *ImageMessage // KindImage
}

// ErrNoImage is returned for messages that are neither a command nor carry
// an image.
var ErrNoImage = errors.New("scivi: message has no command and no image")

// ParseMessage decodes one text frame. Commands are recognised by the
// presence of their key, whatever its value.
func ParseMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("parse scivi message: %w", err)
	}
	if _, ok := fields["calibrate"]; ok {
		return Message{Kind: KindCalibrate}, nil
	}
	if _, ok := fields["customCalibrate"]; ok {
		return Message{Kind: KindCustomCalibrate}, nil
	}
	if v, ok := fields["setMotionControllerVisibility"]; ok {
		var visible bool
		if err := json.Unmarshal(v, &visible); err != nil {
			return Message{}, fmt.Errorf("parse setMotionControllerVisibility: %w", err)
		}
		return Message{Kind: KindMotionControllerVisibility, Visible: visible}, nil
	}
	if _, ok := fields["image"]; !ok {
		return Message{}, ErrNoImage
	}
	var img ImageMessage
	if err := json.Unmarshal(data, &img); err != nil {
		return Message{}, fmt.Errorf("parse image message: %w", err)
	}
	return Message{Kind: KindImage, Image: &img}, nil
}
