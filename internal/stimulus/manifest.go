// Package stimulus loads stimulus images described by YAML manifests and
// publishes them to the AOI store, either once or whenever a manifest in a
// watched directory changes. It is the offline counterpart of SciVi's image
// messages.
package stimulus

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/scivi"
	"github.com/scivi-tools/readingtracker/internal/security"
)

// ErrNoImage is returned for manifests without an image.
var ErrNoImage = errors.New("stimulus manifest has no image")

// Manifest describes one stimulus:
//
//	image: page1.png        # inside the manifest directory, or a data URI
//	scale_x: 1
//	scale_y: 1
//	aois:
//	  - name: The
//	    path: [[10, 10], [40, 10], [40, 30], [10, 30]]
type Manifest struct {
	Image  string        `yaml:"image"`
	ScaleX float64       `yaml:"scale_x"`
	ScaleY float64       `yaml:"scale_y"`
	AOIs   []ManifestAOI `yaml:"aois"`
}

// ManifestAOI is one area of interest in image pixels.
type ManifestAOI struct {
	Name string      `yaml:"name"`
	Path [][]float64 `yaml:"path"`
	BBox []float64   `yaml:"bbox,omitempty"`
}

// ParseManifest decodes a manifest. Unknown keys are rejected so typos do
// not silently drop AOIs.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(m.Image) == "" {
		return nil, ErrNoImage
	}
	return &m, nil
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// message converts the manifest to the SciVi image message it mirrors.
func (m *Manifest) message() scivi.ImageMessage {
	msg := scivi.ImageMessage{Image: m.Image, ScaleX: m.ScaleX, ScaleY: m.ScaleY}
	for _, a := range m.AOIs {
		msg.AOIs = append(msg.AOIs, scivi.WireAOI{Name: a.Name, Path: a.Path, BBox: a.BBox})
	}
	return msg
}

// Build decodes the manifest's image and builds its snapshot. Relative image
// paths are resolved against dir.
func (m *Manifest) Build(dir string) (*aoi.Snapshot, error) {
	img, err := m.decodeImage(dir)
	if err != nil {
		return nil, err
	}
	msg := m.message()
	sx, sy := msg.Scale()
	return aoi.Build(img, sx, sy, msg.Raws())
}

func (m *Manifest) decodeImage(dir string) (image.Image, error) {
	if strings.HasPrefix(m.Image, "data:") {
		img, _, err := scivi.DecodeDataURI(m.Image)
		return img, err
	}
	path := m.Image
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if err := security.WithinDir(path, dir); err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	return scivi.DecodeImage(format, f)
}

// Load reads the manifest at path and builds its snapshot.
func Load(path string) (*aoi.Snapshot, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	snap, err := m.Build(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}
