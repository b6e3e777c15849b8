package bridge

import "errors"

var (
	// ErrDuplicate marks a redelivered event. Dropped with no side effects.
	ErrDuplicate = errors.New("bridge: duplicate event")

	// ErrTransient marks an external failure (model, Graph API) that aborts
	// the current turn without advancing conversation state. The next
	// inbound message retries naturally.
	ErrTransient = errors.New("bridge: transient external failure")
)
