// Package aoi resolves which area of interest of the current stimulus image a
// point falls in, and keeps the participant's selection of AOIs.
package aoi

import (
	"github.com/scivi-tools/readingtracker/internal/geom"
)

// None is returned by FindActiveAOI when no AOI contains the point.
const None = -1

// AOI is a named polygon over a stimulus image, in image pixel space.
type AOI struct {
	// ID is the position of the AOI in the list it was parsed from.
	ID int
	// Name may repeat; Order counts earlier AOIs carrying the same name.
	Name  string
	Order int
	Path  []geom.Vec2
	Box   geom.BBox

	Fragment *Fragment

	valid bool
}

// Valid reports whether the AOI can ever match: at least three vertices,
// all finite.
func (a *AOI) Valid() bool {
	return a.valid
}

func validPath(path []geom.Vec2) bool {
	if len(path) < 3 {
		return false
	}
	for _, p := range path {
		if !p.Finite() {
			return false
		}
	}
	return true
}

// HitTest reports whether pt lies inside the AOI's box and polygon.
func (a *AOI) HitTest(pt geom.Vec2) bool {
	return a.valid && a.Box.Contains(pt) && geom.PointInPolygon(pt, a.Path)
}

// FindActiveAOI returns the index of the first AOI containing pt, or None.
// Earlier AOIs win when several overlap.
func FindActiveAOI(pt geom.Vec2, aois []AOI) int {
	for i := range aois {
		if aois[i].HitTest(pt) {
			return i
		}
	}
	return None
}
