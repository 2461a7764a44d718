package gazesource

import (
	"context"
	"net/http"
	"sync"
)

// Disabled is a Source with no device behind it, used when the tracker runs
// without an eye-tracker (replaying, or driving the stimulus from tests).
// Subscriber channels are tracked so Close unblocks their readers.
type Disabled struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabled() *Disabled {
	return &Disabled{subscribers: make(map[string]chan string)}
}

func (d *Disabled) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *Disabled) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *Disabled) SendCommand(string) error { return nil }

func (d *Disabled) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *Disabled) Initialize() error { return nil }

func (d *Disabled) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *Disabled) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/gaze-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("eye-tracker disabled"))
	})
}
