package autosave

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("autosave registry closed")

// Registry holds one coordinator per note while the note is being edited.
// Idle coordinators are retired whenever a new one is created, so the
// registry only grows with the number of notes that have edits in flight.
type Registry struct {
	persister Persister
	opts      []Option

	mu     sync.Mutex
	coords map[string]*Coordinator
	closed bool
}

func NewRegistry(persister Persister, opts ...Option) *Registry {
	return &Registry{persister: persister, opts: opts, coords: make(map[string]*Coordinator)}
}

// Get returns the note's coordinator, creating it on first use with the last
// persisted value reported by seed. seed runs without the registry lock held.
func (r *Registry) Get(noteID string, seed func() (string, error)) (*Coordinator, error) {
	if c, ok, err := r.lookup(noteID); ok || err != nil {
		return c, err
	}
	persisted, err := seed()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.coords[noteID]; ok {
		return c, nil
	}
	r.retireIdleLocked()
	c := New(noteID, persisted, r.persister, r.opts...)
	r.coords[noteID] = c
	return c, nil
}

// Update hands editorState to the note's coordinator, creating one with seed
// when needed. A coordinator retired between lookup and hand-off is replaced.
func (r *Registry) Update(noteID string, seed func() (string, error), editorState string) error {
	for {
		c, err := r.Get(noteID, seed)
		if err != nil {
			return err
		}
		if c.Update(editorState) {
			return nil
		}
		r.forget(noteID, c)
	}
}

func (r *Registry) retireIdleLocked() {
	for noteID, c := range r.coords {
		if c.retireIfIdle() {
			delete(r.coords, noteID)
		}
	}
}

func (r *Registry) forget(noteID string, c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coords[noteID] == c {
		delete(r.coords, noteID)
	}
}

// Lookup returns the note's coordinator if one exists.
func (r *Registry) Lookup(noteID string) (*Coordinator, bool) {
	c, ok, _ := r.lookup(noteID)
	return c, ok
}

func (r *Registry) lookup(noteID string) (*Coordinator, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	c, ok := r.coords[noteID]
	return c, ok, nil
}

// Discard closes and forgets the note's coordinator.
func (r *Registry) Discard(noteID string) {
	r.mu.Lock()
	c, ok := r.coords[noteID]
	delete(r.coords, noteID)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.coords)
}

// Close closes every coordinator concurrently. Pending snapshots are dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	coords := r.coords
	r.coords = make(map[string]*Coordinator)
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range coords {
		g.Go(func() error {
			c.Close()
			return nil
		})
	}
	_ = g.Wait()
}
