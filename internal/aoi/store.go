package aoi

import (
	"sync"
	"sync/atomic"
)

// Store publishes stimulus snapshots from a producer goroutine (network,
// manifest watcher) to the tick loop. Readers never block: they load the
// current pointer and get either the complete old snapshot or the complete
// new one.
type Store struct {
	mu      sync.Mutex
	seq     uint64
	src     *Snapshot // argument of the last accepted Publish
	current atomic.Pointer[Snapshot]
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Publish stamps a copy of s with the next sequence number, makes it current
// and releases the image fragments of the one it replaces. s itself is left
// untouched. Publishing the current snapshot again, or the value it was
// copied from, is a no-op that returns the current snapshot.
func (st *Store) Publish(s *Snapshot) *Snapshot {
	if s == nil {
		return st.Load()
	}
	st.mu.Lock()
	if cur := st.current.Load(); cur != nil && (s == cur || s == st.src) {
		st.mu.Unlock()
		return cur
	}
	st.seq++
	stamped := *s
	stamped.Seq = st.seq
	st.src = s
	old := st.current.Swap(&stamped)
	st.mu.Unlock()

	diagf("published stimulus seq=%d %dx%d with %d AOIs", stamped.Seq, stamped.Width, stamped.Height, len(stamped.AOIs))
	if old != nil {
		old.release()
	}
	return &stamped
}

// Load returns the current snapshot, or nil before the first image.
func (st *Store) Load() *Snapshot {
	return st.current.Load()
}
