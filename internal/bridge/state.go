package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// Phase is the conversation lifecycle position. Stopped is tracked
// separately on the state because an operator can silence the bot from
// any phase and that flag never clears.
type Phase string

const (
	// PhaseUnseen: no message handled yet for this sender.
	PhaseUnseen Phase = "unseen"
	// PhaseNotActivated: the activation gate rejected the sender. Terminal;
	// the conversation belongs to human follow-up.
	PhaseNotActivated Phase = "not-activated"
	// PhaseActivated: the bot answers this sender.
	PhaseActivated Phase = "activated"
	// PhaseCapped: the answer cap was reached; the next inbound message
	// triggers the end message and sentiment labeling.
	PhaseCapped Phase = "capped"
	// PhaseDone: terminal. Inbound messages are dropped.
	PhaseDone Phase = "done"
)

// convState is the per-sender conversation state. The mutex serializes
// whole turns for a sender, so a flush for a newer batch waits for the
// in-flight one.
type convState struct {
	mu sync.Mutex

	senderID        string
	accountID       string
	phase           Phase
	stopped         bool
	messageCount    int
	lastMessageText string
	lastMessageAt   time.Time
	assistantThread string
	rank            int
	labels          []string
}

// terminal reports whether inbound messages should be dropped: stopped
// senders, finished conversations, and senders that failed the activation
// gate (handed to human follow-up). Callers hold s.mu.
func (s *convState) terminal() bool {
	return s.stopped || s.phase == PhaseDone || s.phase == PhaseNotActivated
}

func (s *convState) snapshot() *store.StateSnapshot {
	return &store.StateSnapshot{
		SenderID:        s.senderID,
		AccountID:       s.accountID,
		Phase:           string(s.phase),
		Stopped:         s.stopped,
		MessageCount:    s.messageCount,
		LastMessageText: s.lastMessageText,
		LastMessageAt:   s.lastMessageAt,
		AssistantThread: s.assistantThread,
		Rank:            s.rank,
		Labels:          s.labels,
	}
}

// stateRegistry owns all in-process conversation states, keyed by sender.
type stateRegistry struct {
	mu     sync.Mutex
	states map[string]*convState
}

func newStateRegistry() *stateRegistry {
	return &stateRegistry{states: make(map[string]*convState)}
}

// get returns the state for a sender, creating a fresh PhaseUnseen entry
// on first contact.
func (r *stateRegistry) get(senderID, accountID string) *convState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[senderID]; ok {
		return st
	}
	st := &convState{senderID: senderID, accountID: accountID, phase: PhaseUnseen}
	r.states[senderID] = st
	return st
}

// rehydrate loads persisted snapshots so lifecycle positions survive a
// restart. Called once before the consumer starts.
func (r *stateRegistry) rehydrate(ctx context.Context, convs store.ConversationStore) error {
	snaps, err := convs.LoadStates(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snap := range snaps {
		r.states[snap.SenderID] = &convState{
			senderID:        snap.SenderID,
			accountID:       snap.AccountID,
			phase:           Phase(snap.Phase),
			stopped:         snap.Stopped,
			messageCount:    snap.MessageCount,
			lastMessageText: snap.LastMessageText,
			lastMessageAt:   snap.LastMessageAt,
			assistantThread: snap.AssistantThread,
			rank:            snap.Rank,
			labels:          snap.Labels,
		}
	}
	slog.Info("bridge: rehydrated conversation states", "count", len(snaps))
	return nil
}
