package stimulus

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/geom"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

const pageManifest = `
image: page.png
scale_x: 2
aois:
  - name: The
    path: [[10, 10], [40, 10], [40, 30], [10, 30]]
  - name: cat
    path: [[50, 10], [80, 10], [80, 30], [50, 30]]
    bbox: [50, 10, 80, 30]
`

func TestLoad_ImageFromFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "page.png"), pngBytes(t, 200, 100))
	writeFile(t, filepath.Join(dir, "page.yaml"), []byte(pageManifest))

	snap, err := Load(filepath.Join(dir, "page.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 200, snap.Width)
	assert.Equal(t, 100, snap.Height)
	assert.Equal(t, 2.0, snap.ScaleX)
	assert.Equal(t, 1.0, snap.ScaleY, "missing scale defaults to 1")
	require.Len(t, snap.AOIs, 2)
	assert.Equal(t, "cat", snap.AOIs[1].Name)
	assert.Equal(t, 0, snap.Find(geom.Vec2{X: 0.1, Y: 0.2}))
	assert.Equal(t, 1, snap.Find(geom.Vec2{X: 0.3, Y: 0.2}))
	assert.Equal(t, aoi.None, snap.Find(geom.Vec2{X: 0.9, Y: 0.9}))
}

func TestManifest_DataURI(t *testing.T) {
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 20, 10))
	m, err := ParseManifest([]byte("image: " + uri + "\n"))
	require.NoError(t, err)
	snap, err := m.Build("/nonexistent")
	require.NoError(t, err)
	assert.Equal(t, 20, snap.Width)
	assert.Empty(t, snap.AOIs)
}

func TestParseManifest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no image", "aois: []\n"},
		{"blank image", "image: '  '\n"},
		{"unknown key", "image: a.png\naoi: []\n"},
		{"not yaml", "image: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
	_, err := ParseManifest([]byte("scale_x: 1\n"))
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	writeFile(t, filepath.Join(dir, "gone.yaml"), []byte("image: gone.png\n"))
	_, err = Load(filepath.Join(dir, "gone.yaml"))
	assert.Error(t, err)

	writeFile(t, filepath.Join(dir, "page.tiff"), []byte("II*"))
	writeFile(t, filepath.Join(dir, "tiff.yaml"), []byte("image: page.tiff\n"))
	_, err = Load(filepath.Join(dir, "tiff.yaml"))
	assert.Error(t, err)

	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "page.png"), pngBytes(t, 20, 10))
	writeFile(t, filepath.Join(dir, "escape.yaml"), []byte("image: "+filepath.Join(outside, "page.png")+"\n"))
	_, err = Load(filepath.Join(dir, "escape.yaml"))
	assert.ErrorContains(t, err, "escapes")
}

func TestIsManifest(t *testing.T) {
	assert.True(t, IsManifest("a.yaml"))
	assert.True(t, IsManifest("/x/B.YML"))
	assert.False(t, IsManifest("a.png"))
	assert.False(t, IsManifest("yaml"))
}

func TestWatcher_PublishesNewManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "page.png"), pngBytes(t, 200, 100))

	store := aoi.NewStore()
	var (
		mu      sync.Mutex
		sources []string
	)
	w, err := NewWatcher(dir, store, WatchOptions{
		Debounce: 20 * time.Millisecond,
		OnStimulus: func(source string, snap *aoi.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			sources = append(sources, filepath.Base(source))
		},
	})
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("ignored"))
	writeFile(t, filepath.Join(dir, "page.yaml"), []byte(pageManifest))

	require.Eventually(t, func() bool { return store.Load() != nil }, 5*time.Second, 10*time.Millisecond)
	snap := store.Load()
	assert.Equal(t, 2, snap.Len())

	writeFile(t, filepath.Join(dir, "broken.yaml"), []byte("image: missing.png\n"))
	require.Eventually(t, func() bool {
		_, failed := w.Stats()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Same(t, snap, store.Load(), "a rejected manifest leaves the current stimulus")

	mu.Lock()
	assert.Contains(t, sources, "page.yaml")
	assert.NotContains(t, sources, "broken.yaml")
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNewWatcher_RequiresStore(t *testing.T) {
	_, err := NewWatcher(t.TempDir(), nil, WatchOptions{})
	assert.Error(t, err)
}
