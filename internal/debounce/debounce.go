// Package debounce provides a trailing-edge debouncer: a value is emitted
// only after the source has been quiet for a full window.
package debounce

import (
	"sync"
	"time"
)

// Debouncer holds the most recent value and emits it once no newer value has
// arrived for the configured window. Every Push restarts the window.
type Debouncer[T any] struct {
	window time.Duration
	emit   func(T)

	mu      sync.Mutex
	timer   *time.Timer
	latest  T
	gen     uint64
	firing  int
	stopped bool
}

// New returns a debouncer that calls emit on its own goroutine when a value settles.
func New[T any](window time.Duration, emit func(T)) *Debouncer[T] {
	return &Debouncer[T]{window: window, emit: emit}
}

// Push records value as the latest and restarts the quiescence window.
// Pushing after Stop is a no-op.
func (d *Debouncer[T]) Push(value T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.latest = value
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// fire emits only if no Push happened after the one that armed this timer.
// A stopped timer can still have its func running, hence the generation check.
func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	value := d.latest
	d.timer = nil
	d.firing++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.firing--
		d.mu.Unlock()
	}()
	d.emit(value)
}

// Pending reports whether a value is waiting for its window to elapse or is
// still being handed to emit.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil || d.firing > 0
}

// Stop abandons any pending value without emitting it.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
