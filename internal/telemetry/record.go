// Package telemetry defines the per-tick gaze record sent to SciVi and fans
// it out to the WebSocket clients, the session store and NATS.
package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/scivi-tools/readingtracker/internal/geom"
)

// Tag is the event kind closing a telemetry line.
type Tag string

const (
	LookAt   Tag = "LOOKAT"
	Select   Tag = "SELECT"
	Released Tag = "R_RELD"
	ImageUp  Tag = "IMG_UP"
)

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	switch t {
	case LookAt, Select, Released, ImageUp:
		return true
	}
	return false
}

// ErrMalformedLine is returned by ParseLine for lines that do not have the
// expected fourteen fields.
var ErrMalformedLine = errors.New("telemetry: malformed line")

// Record is one telemetry event. All records emitted by a tick share every
// field but Event.
type Record struct {
	Timestamp  time.Time
	UV         geom.Vec2
	Origin     r3.Vec
	Target     r3.Vec
	LeftPupil  float64
	RightPupil float64
	CF         float64
	AOI        int
	Event      Tag
}

// With returns a copy of r carrying a different tag.
func (r Record) With(tag Tag) Record {
	r.Event = tag
	return r
}

// Line renders the record in the SciVi wire format:
//
//	<unixms> <u> <v> <ox> <oy> <oz> <tx> <ty> <tz> <lp> <rp> <cf> <aoi> <TAG>
func (r Record) Line() string {
	return fmt.Sprintf("%d %f %f %f %f %f %f %f %f %f %f %f %d %s",
		r.Timestamp.UnixMilli(),
		r.UV.X, r.UV.Y,
		r.Origin.X, r.Origin.Y, r.Origin.Z,
		r.Target.X, r.Target.Y, r.Target.Z,
		r.LeftPupil, r.RightPupil, r.CF,
		r.AOI, r.Event)
}

// ParseLine is the inverse of Line, up to the six-decimal precision of the
// wire format.
func ParseLine(line string) (Record, error) {
	f := strings.Fields(line)
	if len(f) != 14 {
		return Record{}, fmt.Errorf("%w: %d fields", ErrMalformedLine, len(f))
	}
	ms, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedLine, err)
	}
	var v [11]float64
	for i := range v {
		v[i], err = strconv.ParseFloat(f[i+1], 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: field %d: %v", ErrMalformedLine, i+1, err)
		}
	}
	aoi, err := strconv.Atoi(f[12])
	if err != nil {
		return Record{}, fmt.Errorf("%w: aoi: %v", ErrMalformedLine, err)
	}
	tag := Tag(f[13])
	if !tag.Valid() {
		return Record{}, fmt.Errorf("%w: unknown tag %q", ErrMalformedLine, f[13])
	}
	return Record{
		Timestamp:  time.UnixMilli(ms),
		UV:         geom.Vec2{X: v[0], Y: v[1]},
		Origin:     r3.Vec{X: v[2], Y: v[3], Z: v[4]},
		Target:     r3.Vec{X: v[5], Y: v[6], Z: v[7]},
		LeftPupil:  v[8],
		RightPupil: v[9],
		CF:         v[10],
		AOI:        aoi,
		Event:      tag,
	}, nil
}
