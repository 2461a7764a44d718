package aoi

import (
	"image"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scivi-tools/readingtracker/internal/geom"
)

func rect(x0, y0, x1, y1 float64) []geom.Vec2 {
	return []geom.Vec2{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}

func testImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func mustBuild(t *testing.T, w, h int, raws ...Raw) *Snapshot {
	t.Helper()
	s, err := Build(testImage(w, h), 1, 1, raws)
	require.NoError(t, err)
	return s
}

func TestFindActiveAOI_Square(t *testing.T) {
	s := mustBuild(t, 100, 100, Raw{Name: "sq", Path: rect(0, 0, 10, 10)})

	assert.Equal(t, 0, FindActiveAOI(geom.Vec2{X: 5, Y: 5}, s.AOIs))
	assert.Equal(t, None, FindActiveAOI(geom.Vec2{X: 15, Y: 15}, s.AOIs))
}

func TestFindActiveAOI_FirstDeclaredWins(t *testing.T) {
	s := mustBuild(t, 100, 100,
		Raw{Name: "A", Path: rect(0, 0, 20, 20)},
		Raw{Name: "B", Path: rect(10, 10, 30, 30)},
	)
	assert.Equal(t, 0, FindActiveAOI(geom.Vec2{X: 15, Y: 15}, s.AOIs))
	assert.Equal(t, 1, FindActiveAOI(geom.Vec2{X: 25, Y: 25}, s.AOIs))
}

func TestFindActiveAOI_Empty(t *testing.T) {
	assert.Equal(t, None, FindActiveAOI(geom.Vec2{}, nil))
	var s *Snapshot
	assert.Equal(t, None, s.Find(geom.Vec2{X: 0.5, Y: 0.5}))
	assert.Equal(t, 0, s.Len())
}

func TestBuild_MalformedNeverMatches(t *testing.T) {
	s := mustBuild(t, 100, 100,
		Raw{Name: "line", Path: []geom.Vec2{{X: 0, Y: 0}, {X: 50, Y: 50}}},
		Raw{Name: "empty"},
		Raw{Name: "nan", Path: []geom.Vec2{{X: 0, Y: 0}, {X: math.NaN(), Y: 0}, {X: 50, Y: 50}}},
		Raw{Name: "inf", Path: []geom.Vec2{{X: 0, Y: 0}, {X: math.Inf(1), Y: 0}, {X: 50, Y: 50}}},
		Raw{Name: "ok", Path: rect(0, 0, 60, 60)},
	)
	require.Len(t, s.AOIs, 5)
	for i := 0; i < 4; i++ {
		assert.False(t, s.AOIs[i].Valid(), s.AOIs[i].Name)
		assert.Nil(t, s.AOIs[i].Fragment)
	}
	assert.Equal(t, 4, FindActiveAOI(geom.Vec2{X: 10, Y: 5}, s.AOIs))
}

func TestBuild_IDsOrdersAndBoxes(t *testing.T) {
	supplied := geom.BBox{Min: geom.Vec2{X: 0, Y: 0}, Max: geom.Vec2{X: 999, Y: 999}}
	s := mustBuild(t, 200, 100,
		Raw{Name: "word", Path: rect(10, 10, 20, 20), Box: &supplied},
		Raw{Name: "other", Path: rect(30, 10, 40, 20)},
		Raw{Name: "word", Path: rect(50, 10, 60, 20)},
	)

	type summary struct {
		ID    int
		Name  string
		Order int
		Box   geom.BBox
	}
	got := make([]summary, 0, len(s.AOIs))
	for _, a := range s.AOIs {
		got = append(got, summary{a.ID, a.Name, a.Order, a.Box})
	}
	want := []summary{
		{0, "word", 0, geom.BBox{Min: geom.Vec2{X: 10, Y: 10}, Max: geom.Vec2{X: 20, Y: 20}}},
		{1, "other", 0, geom.BBox{Min: geom.Vec2{X: 30, Y: 10}, Max: geom.Vec2{X: 40, Y: 20}}},
		{2, "word", 1, geom.BBox{Min: geom.Vec2{X: 50, Y: 10}, Max: geom.Vec2{X: 60, Y: 20}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AOIs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 200, s.Width)
	assert.Equal(t, 100, s.Height)
	assert.Equal(t, image.Rect(10, 10, 20, 20), s.AOIs[0].Fragment.Rect())
}

func TestBuild_NoImage(t *testing.T) {
	_, err := Build(nil, 1, 1, nil)
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestSnapshotFind_UsesPixelSpace(t *testing.T) {
	s := mustBuild(t, 200, 100, Raw{Name: "a", Path: rect(100, 50, 120, 70)})
	assert.Equal(t, 0, s.Find(geom.Vec2{X: 0.55, Y: 0.6}))
	assert.Equal(t, None, s.Find(geom.Vec2{X: 0.7, Y: 0.55}))
}

func TestStore_PublishReleasesPrevious(t *testing.T) {
	st := NewStore()
	assert.Nil(t, st.Load())

	first := mustBuild(t, 50, 50, Raw{Name: "a", Path: rect(0, 0, 10, 10)})
	pub1 := st.Publish(first)
	require.Same(t, pub1, st.Load())
	assert.Equal(t, uint64(1), pub1.Seq)
	assert.Zero(t, first.Seq, "the argument is not stamped")
	require.NotNil(t, pub1.AOIs[0].Fragment.Image())

	second := mustBuild(t, 50, 50)
	pub2 := st.Publish(second)
	assert.Equal(t, uint64(2), pub2.Seq)
	assert.Nil(t, first.AOIs[0].Fragment.Image())

	assert.Same(t, pub2, st.Publish(nil))
	assert.Same(t, pub2, st.Load())
}

func TestStore_RepublishKeepsFragments(t *testing.T) {
	st := NewStore()
	s := mustBuild(t, 50, 50, Raw{Name: "a", Path: rect(0, 0, 10, 10)})
	pub := st.Publish(s)

	assert.Same(t, pub, st.Publish(s))
	assert.Same(t, pub, st.Publish(pub))
	assert.Equal(t, uint64(1), st.Load().Seq)
	assert.NotNil(t, pub.AOIs[0].Fragment.Image())
}

func TestFragment_Thumbnail(t *testing.T) {
	s := mustBuild(t, 400, 200, Raw{Name: "wide", Path: rect(0, 0, 300, 100)})
	thumb, err := s.AOIs[0].Fragment.Thumbnail(60)
	require.NoError(t, err)
	assert.Equal(t, 60, thumb.Bounds().Dx())
	assert.Equal(t, 20, thumb.Bounds().Dy())

	s.AOIs[0].Fragment.Release()
	s.AOIs[0].Fragment.Release()
	_, err = s.AOIs[0].Fragment.Thumbnail(60)
	assert.Error(t, err)
}

func TestSelection_ToggleTwiceRestores(t *testing.T) {
	sel := NewSelection()
	sel.Toggle(3)
	sel.Toggle(7)
	before := sel.IDs()

	for _, id := range []int{0, 3, 7, 42} {
		sel.Toggle(id)
		sel.Toggle(id)
		assert.Equal(t, before, sel.IDs(), "id %d", id)
	}

	assert.True(t, sel.Contains(3))
	assert.False(t, sel.Toggle(3))
	assert.False(t, sel.Contains(3))
	sel.Clear()
	assert.Equal(t, 0, sel.Len())
}

// TestStore_ConcurrentReplacement hammers the store from a publisher while a
// reader hit-tests; every observed snapshot must be internally consistent.
func TestStore_ConcurrentReplacement(t *testing.T) {
	st := NewStore()
	img := testImage(100, 100)

	var wg sync.WaitGroup
	var stop atomic.Bool
	var torn atomic.Int64

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop.Store(true)
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 2000; i++ {
			n := rng.Intn(8)
			raws := make([]Raw, n)
			for j := range raws {
				x := float64(rng.Intn(80))
				raws[j] = Raw{Name: "w", Path: rect(x, x, x+20, x+20)}
			}
			s, err := Build(img, 1, 1, raws)
			if err != nil {
				t.Error(err)
				return
			}
			st.Publish(s)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for !stop.Load() {
				s := st.Load()
				if s == nil {
					continue
				}
				if len(s.AOIs) != len(s.Bounds) {
					torn.Add(1)
				}
				idx := s.Find(geom.Vec2{X: rng.Float64(), Y: rng.Float64()})
				if idx >= len(s.AOIs) {
					torn.Add(1)
				}
			}
		}(int64(r))
	}

	wg.Wait()
	assert.Zero(t, torn.Load())
}
