package stimulus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/scivi-tools/readingtracker/internal/aoi"
	"github.com/scivi-tools/readingtracker/internal/timeutil"
)

// DefaultDebounce is how long a manifest must be quiet before it is loaded.
// Editors often write a file in several steps.
const DefaultDebounce = 250 * time.Millisecond

// WatchOptions configures a Watcher.
type WatchOptions struct {
	Debounce time.Duration
	Clock    timeutil.Clock
	// OnStimulus, if set, is called after each successful publish with the
	// manifest path and the new snapshot.
	OnStimulus func(source string, snap *aoi.Snapshot)
}

// Watcher publishes a stimulus whenever a manifest in its directory is
// created or rewritten.
type Watcher struct {
	dir   string
	store *aoi.Store
	opts  WatchOptions
	fsw   *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	loaded  int
	failed  int
}

// IsManifest reports whether path names a YAML manifest.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// NewWatcher starts watching dir. The directory is created if missing.
func NewWatcher(dir string, store *aoi.Store, opts WatchOptions) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("stimulus watcher needs an AOI store")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	diagf("watching %s for stimulus manifests", dir)
	return &Watcher{
		dir:     dir,
		store:   store,
		opts:    opts,
		fsw:     fsw,
		pending: make(map[string]time.Time),
	}, nil
}

// Publish loads the manifest at path and publishes it immediately.
func (w *Watcher) Publish(path string) error {
	snap, err := Load(path)
	if err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		return err
	}
	snap = w.store.Publish(snap)
	w.mu.Lock()
	w.loaded++
	w.mu.Unlock()
	opsf("published %s (seq %d, %d AOIs)", filepath.Base(path), snap.Seq, snap.Len())
	if w.opts.OnStimulus != nil {
		w.opts.OnStimulus(path, snap)
	}
	return nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := w.opts.Clock.NewTicker(w.opts.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !IsManifest(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			tracef("%s %s", event.Op, event.Name)
			w.mu.Lock()
			w.pending[event.Name] = w.opts.Clock.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			opsf("watch error: %v", err)

		case now := <-ticker.C():
			w.flush(now)
		}
	}
}

// flush publishes every manifest that has been quiet for the debounce delay.
func (w *Watcher) flush(now time.Time) {
	var ready []string
	w.mu.Lock()
	for path, last := range w.pending {
		if now.Sub(last) >= w.opts.Debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if err := w.Publish(path); err != nil {
			opsf("stimulus %s rejected: %v", filepath.Base(path), err)
		}
	}
}

// Stats returns how many manifests were published and rejected.
func (w *Watcher) Stats() (loaded, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded, w.failed
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
