// Package textgen adapts hosted language models to the single-turn completion
// capability the note pipeline needs.
package textgen

import (
	"context"
	"errors"
)

// Generator completes userPrompt under systemInstruction in one turn.
type Generator interface {
	Complete(ctx context.Context, systemInstruction, userPrompt string) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, systemInstruction, userPrompt string) (string, error)

func (f Func) Complete(ctx context.Context, systemInstruction, userPrompt string) (string, error) {
	return f(ctx, systemInstruction, userPrompt)
}

const (
	temperature     = 0.7
	maxOutputTokens = 1024
)

// ErrNoCandidates is returned when the provider answers without any text.
var ErrNoCandidates = errors.New("model returned no text")
