// Package completion runs inline completions for an editing session. A
// session never has two completion requests outstanding at once.
package completion

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"notebook/api/internal/flight"
	"notebook/api/internal/textgen"
)

// Lease is an exclusion shared between processes serving the same session.
type Lease interface {
	Acquire(ctx context.Context, sessionID string) (token string, ok bool, err error)
	Release(ctx context.Context, sessionID, token string) error
}

var errLeaseHeld = errors.New("completion lease held elsewhere")

// Trigger owns the in-flight state of one editing session.
type Trigger struct {
	sessionID string
	gen       textgen.Generator
	guard     *flight.Guard
	lease     Lease
	tokens    int
	logger    *zap.Logger
}

type Option func(*Trigger)

func WithTokens(n int) Option {
	return func(t *Trigger) {
		if n > 0 {
			t.tokens = n
		}
	}
}

func WithLease(lease Lease) Option {
	return func(t *Trigger) { t.lease = lease }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Trigger) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func New(sessionID string, gen textgen.Generator, opts ...Option) *Trigger {
	t := &Trigger{
		sessionID: sessionID,
		gen:       gen,
		guard:     flight.New(),
		tokens:    DefaultTokens,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("session_id", sessionID))
	return t
}

// Fire starts a completion for text in the background and returns whether it
// was started. insert receives the completion when it is non-empty; failures
// are logged and insert nothing.
func (t *Trigger) Fire(text string, insert func(string)) bool {
	var completion string
	return t.guard.Trigger(func() error {
		out, err := t.request(context.Background(), text)
		completion = out
		return err
	}, func(err error) {
		switch {
		case errors.Is(err, errLeaseHeld):
			t.logger.Debug("completion dropped, lease held")
		case err != nil:
			t.logger.Warn("completion failed", zap.Error(err))
		case completion != "" && insert != nil:
			insert(completion)
		}
	})
}

// Complete runs a completion on the calling goroutine. ran is false when the
// request was dropped because another one is outstanding for the session.
func (t *Trigger) Complete(ctx context.Context, text string) (completion string, ran bool, err error) {
	ran, err = t.guard.Do(func() error {
		out, err := t.request(ctx, text)
		completion = out
		return err
	})
	if errors.Is(err, errLeaseHeld) {
		return "", false, nil
	}
	if err != nil {
		t.logger.Warn("completion failed", zap.Error(err))
		return "", ran, err
	}
	return completion, ran, nil
}

// Busy reports whether a completion is outstanding for the session.
func (t *Trigger) Busy() bool {
	return t.guard.Busy()
}

// Wait blocks until every completion started by Fire has finished.
func (t *Trigger) Wait() {
	t.guard.Wait()
}

func (t *Trigger) request(ctx context.Context, text string) (string, error) {
	if t.lease != nil {
		token, ok, err := t.lease.Acquire(ctx, t.sessionID)
		switch {
		case err != nil:
			// Fall back to the local guard alone.
			t.logger.Warn("completion lease unavailable", zap.Error(err))
		case !ok:
			return "", errLeaseHeld
		default:
			defer func() {
				if err := t.lease.Release(context.Background(), t.sessionID, token); err != nil {
					t.logger.Warn("release completion lease", zap.Error(err))
				}
			}()
		}
	}

	prompt := TrailingContext(text, t.tokens)
	out, err := t.gen.Complete(ctx, systemInstruction, userPrompt(prompt))
	if err != nil {
		return "", fmt.Errorf("generate completion: %w", err)
	}
	return out, nil
}
