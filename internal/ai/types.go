// Package ai wraps the model backends: threaded completions for
// conversation replies and a one-shot rater for end-of-conversation
// sentiment.
package ai

import (
	"context"
	"errors"
)

// ErrUnparsableRank is returned when the rater's output cannot be read
// as a 1..5 rank. Callers fall back to the neutral default.
var ErrUnparsableRank = errors.New("ai: unparsable rank")

// Completion is one model reply plus the thread it belongs to.
type Completion struct {
	Text string
	// ThreadRef identifies the provider-side thread. Callers persist it
	// and pass it back on the next turn; empty on input means "start a
	// new thread".
	ThreadRef string
}

// Completer produces conversational replies on a persistent thread.
type Completer interface {
	Complete(ctx context.Context, threadRef, prompt string) (Completion, error)
}

// Rater scores a finished conversation 1 (hostile) to 5 (enthusiastic).
type Rater interface {
	Rate(ctx context.Context, transcript string) (int, error)
}
