// Package autosave reconciles a stream of editor snapshots with the stored
// editor state of a note. Snapshots are debounced, and a settled snapshot
// is written only when it differs from the last one written.
package autosave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"notebook/api/internal/debounce"
)

// DefaultWindow is the quiescence window applied to editor snapshots.
const DefaultWindow = 500 * time.Millisecond

// Persister writes a full editor state for a note.
type Persister interface {
	SaveEditorState(ctx context.Context, noteID, editorState string) error
}

// PersistFunc adapts a plain function to Persister.
type PersistFunc func(ctx context.Context, noteID, editorState string) error

func (f PersistFunc) SaveEditorState(ctx context.Context, noteID, editorState string) error {
	return f(ctx, noteID, editorState)
}

type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StatePersisting State = "persisting"
)

type Status struct {
	State         State
	LastPersisted string
	LastError     error
}

// Result describes one settled snapshot. Skipped is set when no write was issued.
type Result struct {
	NoteID      string
	EditorState string
	Skipped     bool
	Err         error
}

type Option func(*Coordinator)

func WithWindow(window time.Duration) Option {
	return func(c *Coordinator) {
		if window > 0 {
			c.window = window
		}
	}
}

// WithTimeout bounds each persistence call. Zero leaves calls unbounded.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) { c.timeout = timeout }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithResultHook registers fn to receive every settled outcome.
func WithResultHook(fn func(Result)) Option {
	return func(c *Coordinator) { c.onResult = fn }
}

// Coordinator autosaves one note. Persistence calls are not serialized: two
// settles in quick succession may have overlapping writes. A settled snapshot
// is compared with the last one issued rather than the last one confirmed.
// When an older write lands after the newest one, the newest is written again
// so the store ends on the latest settled snapshot.
type Coordinator struct {
	noteID    string
	persister Persister
	window    time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	onResult  func(Result)
	debouncer *debounce.Debouncer[string]

	mu            sync.Mutex
	lastPersisted string
	lastIssued    string
	issuedSeq     uint64
	issuedLanded  bool
	issuedFailed  bool
	lastErr       error
	inflight      int
	closed        bool
	wg            sync.WaitGroup
}

// New returns a coordinator whose last persisted value starts at persisted.
func New(noteID, persisted string, persister Persister, opts ...Option) *Coordinator {
	c := &Coordinator{
		noteID:        noteID,
		persister:     persister,
		window:        DefaultWindow,
		logger:        zap.NewNop(),
		lastPersisted: persisted,
		lastIssued:    persisted,
		issuedLanded:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("note_id", noteID))
	c.debouncer = debounce.New(c.window, c.settle)
	return c
}

// Update records the latest full editor snapshot. It never blocks on I/O and
// reports false when the coordinator is closed and the snapshot was dropped.
func (c *Coordinator) Update(editorState string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.debouncer.Push(editorState)
	return true
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := StateIdle
	switch {
	case c.inflight > 0:
		state = StatePersisting
	case c.debouncer.Pending():
		state = StatePending
	}
	return Status{State: state, LastPersisted: c.lastPersisted, LastError: c.lastErr}
}

// Close abandons a pending snapshot without writing it and waits for
// writes already in flight.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.debouncer.Stop()
	c.wg.Wait()
}

// retireIfIdle closes the coordinator when nothing is pending or in flight.
func (c *Coordinator) retireIfIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.inflight > 0 || c.debouncer.Pending() {
		return false
	}
	c.closed = true
	c.debouncer.Stop()
	return true
}

func (c *Coordinator) settle(editorState string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// Empty snapshots come from editors that have not loaded yet.
	if editorState == "" || (editorState == c.lastIssued && !c.issuedFailed) {
		c.mu.Unlock()
		c.report(Result{NoteID: c.noteID, EditorState: editorState, Skipped: true})
		return
	}
	seq := c.issueLocked(editorState)
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	for {
		err := c.persist(editorState)

		c.mu.Lock()
		c.inflight--
		rewrite := false
		switch {
		case err != nil:
			if seq == c.issuedSeq {
				c.issuedFailed = true
				c.lastErr = err
			}
		case seq == c.issuedSeq:
			c.lastPersisted = editorState
			c.issuedLanded = true
			c.lastErr = nil
		default:
			c.lastPersisted = editorState
			// An older write landed after the newest one.
			rewrite = c.issuedLanded
		}
		written := editorState
		if rewrite {
			editorState = c.lastIssued
			seq = c.issueLocked(editorState)
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("autosave failed", zap.Error(err))
		} else {
			c.logger.Debug("autosaved editor state", zap.Int("bytes", len(written)))
		}
		c.report(Result{NoteID: c.noteID, EditorState: written, Err: err})
		if !rewrite {
			return
		}
		c.logger.Debug("rewriting latest editor state after out-of-order write")
	}
}

// issueLocked registers a write of editorState and returns its sequence.
func (c *Coordinator) issueLocked(editorState string) uint64 {
	c.issuedSeq++
	c.lastIssued = editorState
	c.issuedLanded = false
	c.issuedFailed = false
	c.inflight++
	return c.issuedSeq
}

func (c *Coordinator) persist(editorState string) error {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.persister.SaveEditorState(ctx, c.noteID, editorState)
}

func (c *Coordinator) report(result Result) {
	if c.onResult != nil {
		c.onResult(result)
	}
}
