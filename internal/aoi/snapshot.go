package aoi

import (
	"errors"
	"fmt"
	"image"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/scivi-tools/readingtracker/internal/geom"
)

// ErrNoImage is returned when a snapshot is built without a stimulus image.
var ErrNoImage = errors.New("aoi: stimulus image is required")

// Raw is an AOI as delivered by SciVi or a manifest, before validation.
type Raw struct {
	Name string
	Path []geom.Vec2
	// Box is the bounding box sent alongside the path, if any. It is only
	// used to report disagreement; the stored box is always derived from Path.
	Box *geom.BBox
}

// Snapshot is one stimulus image with its AOIs. Snapshots are immutable once
// published; a new image produces a new snapshot.
type Snapshot struct {
	Seq    uint64
	Width  int
	Height int
	ScaleX float64
	ScaleY float64
	AOIs   []AOI
	// Bounds mirrors AOIs[i].Box for a cheap rejection pass; it always has
	// the same length as AOIs.
	Bounds []geom.BBox

	image image.Image
}

// Image returns the full stimulus image.
func (s *Snapshot) Image() image.Image {
	return s.image
}

// Find hit-tests a point given in normalised UV coordinates.
func (s *Snapshot) Find(uv geom.Vec2) int {
	if s == nil {
		return None
	}
	pt := uv.Scale(float64(s.Width), float64(s.Height))
	for i := range s.AOIs {
		if !s.Bounds[i].Contains(pt) {
			continue
		}
		if s.AOIs[i].HitTest(pt) {
			return i
		}
	}
	return None
}

// Len is the number of AOIs, valid or not.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.AOIs)
}

func (s *Snapshot) release() {
	for i := range s.AOIs {
		s.AOIs[i].Fragment.Release()
	}
}

// Build validates raw AOIs against img and produces an unpublished snapshot.
// IDs follow list order, duplicate names are numbered through Order, boxes
// are recomputed tightly from the path and each valid AOI gets its own
// cropped image fragment.
func Build(img image.Image, scaleX, scaleY float64, raws []Raw) (*Snapshot, error) {
	if img == nil {
		return nil, ErrNoImage
	}
	b := img.Bounds()
	s := &Snapshot{
		Width:  b.Dx(),
		Height: b.Dy(),
		ScaleX: scaleX,
		ScaleY: scaleY,
		AOIs:   make([]AOI, 0, len(raws)),
		Bounds: make([]geom.BBox, 0, len(raws)),
		image:  img,
	}

	seen := make(map[string]int, len(raws))
	for i, r := range raws {
		a := AOI{
			ID:    i,
			Name:  r.Name,
			Order: seen[r.Name],
			Path:  append([]geom.Vec2(nil), r.Path...),
			valid: validPath(r.Path),
		}
		seen[r.Name]++
		if a.valid {
			a.Box = geom.BBoxOf(a.Path)
			if r.Box != nil && *r.Box != a.Box {
				diagf("AOI %d %q: supplied bbox %v does not match path bounds %v", i, r.Name, *r.Box, a.Box)
			}
			a.Fragment = newFragment(img, a.Box)
			tracef("AOI %d %q order=%d box=%v", i, r.Name, a.Order, a.Box)
		} else {
			opsf("AOI %d %q has %d usable vertices; it will never match", i, r.Name, len(r.Path))
		}
		s.AOIs = append(s.AOIs, a)
		s.Bounds = append(s.Bounds, a.Box)
	}
	return s, nil
}

// Fragment is the part of the stimulus image covered by one AOI. It is owned
// by exactly one AOI and released together with its snapshot.
type Fragment struct {
	mu   sync.Mutex
	img  *image.RGBA
	rect image.Rectangle
}

func newFragment(src image.Image, box geom.BBox) *Fragment {
	origin := src.Bounds().Min
	r := image.Rect(
		origin.X+int(box.Min.X), origin.Y+int(box.Min.Y),
		origin.X+int(box.Max.X+0.5), origin.Y+int(box.Max.Y+0.5),
	).Intersect(src.Bounds())
	f := &Fragment{rect: r}
	if r.Empty() {
		return f
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Copy(dst, image.Point{}, src, r, xdraw.Src, nil)
	f.img = dst
	return f
}

// Image returns the cropped pixels, or nil once released or when the AOI lies
// outside the image.
func (f *Fragment) Image() image.Image {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.img == nil {
		return nil
	}
	return f.img
}

// Thumbnail scales the fragment down to fit within limit×limit pixels.
func (f *Fragment) Thumbnail(limit int) (image.Image, error) {
	src := f.Image()
	if src == nil {
		return nil, fmt.Errorf("aoi: fragment %v has no pixels", f.Rect())
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= limit && h <= limit {
		return src, nil
	}
	if w >= h {
		h = h * limit / w
		w = limit
	} else {
		w = w * limit / h
		h = limit
	}
	dst := image.NewRGBA(image.Rect(0, 0, max1(w), max1(h)))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst, nil
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// Rect is the fragment's location in the stimulus image.
func (f *Fragment) Rect() image.Rectangle {
	if f == nil {
		return image.Rectangle{}
	}
	return f.rect
}

// Release drops the pixel buffer. It is safe to call more than once.
func (f *Fragment) Release() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.img = nil
	f.mu.Unlock()
}
