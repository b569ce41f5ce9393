// Package flight implements a drop-not-queue single-flight guard: while one
// operation is outstanding, further triggers are discarded.
package flight

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Guard admits at most one outstanding operation. It owns its busy state, so
// each editing session holds its own Guard.
type Guard struct {
	sem  *semaphore.Weighted
	busy atomic.Bool
	wg   sync.WaitGroup
}

func New() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// Trigger starts op on its own goroutine and returns true, or returns false
// without doing anything if an operation is already outstanding. done, if
// non-nil, runs after the guard is released and may call Trigger again.
func (g *Guard) Trigger(op func() error, done func(error)) bool {
	if !g.acquire() {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := g.run(op)
		if done != nil {
			done(err)
		}
	}()
	return true
}

// Do runs op on the calling goroutine if the guard is idle. ran is false when
// the call was dropped because another operation is outstanding.
func (g *Guard) Do(op func() error) (ran bool, err error) {
	if !g.acquire() {
		return false, nil
	}
	return true, g.run(op)
}

// Busy reports whether an operation is outstanding.
func (g *Guard) Busy() bool {
	return g.busy.Load()
}

// Wait blocks until every operation started by Trigger has finished,
// including its done callback.
func (g *Guard) Wait() {
	g.wg.Wait()
}

func (g *Guard) acquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.busy.Store(true)
	return true
}

func (g *Guard) run(op func() error) error {
	defer func() {
		g.busy.Store(false)
		g.sem.Release(1)
	}()
	return op()
}
