package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/nextlevelbuilder/leadflow/internal/platform"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// defaultRank is the neutral fallback when rating fails or the model
// output cannot be parsed.
const defaultRank = 3

func rankLabelName(rank int) string {
	return fmt.Sprintf("Lead Rank %d", rank)
}

// finishConversation sends the end message, rates the transcript, and
// attaches the rank label. A failed end-message send returns ErrTransient
// and keeps the phase at capped so the next inbound message retries the
// whole finish.
func (b *Bridge) finishConversation(ctx context.Context, res *platform.Resolution, cfg *store.AccountConfig, conv *store.Conversation, st *convState) error {
	end := cfg.EndMessage
	if end == "" {
		end = b.fallbackEnd()
	}
	if end != "" {
		if err := b.platform.SendText(ctx, res.Account, res.Mode, st.senderID, end); err != nil {
			return fmt.Errorf("%w: end message: %v", ErrTransient, err)
		}
		if err := b.convs.AppendTurn(ctx, conv.ID, store.RoleBot, end, 0); err != nil {
			slog.Error("bridge: store end turn failed", "sender", st.senderID, "error", err)
		}
	}

	// The rank is set exactly once. A retried finish after a label failure
	// must not re-rate the transcript.
	if st.rank == 0 {
		st.rank = b.rateConversation(ctx, conv)
	}
	b.applyRankLabel(ctx, res, st)

	st.phase = PhaseDone
	b.broadcast("conversation.done", map[string]any{
		"sender_id": st.senderID, "account_id": st.accountID, "rank": st.rank,
	})
	slog.Info("bridge: conversation finished",
		"sender", st.senderID, "account", st.accountID, "rank", st.rank)
	return nil
}

func (b *Bridge) rateConversation(ctx context.Context, conv *store.Conversation) int {
	turns, err := b.convs.Transcript(ctx, conv.ID)
	if err != nil {
		slog.Error("bridge: transcript read failed, using default rank",
			"conversation", conv.ID, "error", err)
		return defaultRank
	}
	rank, err := b.rater.Rate(ctx, formatTranscript(turns))
	if err != nil {
		slog.Warn("bridge: rating failed, using default rank",
			"conversation", conv.ID, "error", err)
		return defaultRank
	}
	return rank
}

func formatTranscript(turns []store.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// applyRankLabel attaches the rank label to the sender, creating the
// label on the account the first time that rank is seen. Failures are
// logged only: labeling is advisory and must not block the finish.
func (b *Bridge) applyRankLabel(ctx context.Context, res *platform.Resolution, st *convState) {
	name := rankLabelName(st.rank)

	labels, err := b.platform.ListLabels(ctx, res.Account)
	if err != nil {
		slog.Error("bridge: list labels failed", "account", st.accountID, "error", err)
		return
	}
	id, ok := labels[name]
	if !ok {
		id, err = b.platform.CreateLabel(ctx, res.Account, name)
		if err != nil {
			slog.Error("bridge: create label failed", "label", name, "error", err)
			return
		}
	}
	if err := b.platform.AttachLabel(ctx, res.Account, id, st.senderID); err != nil {
		slog.Error("bridge: attach label failed", "label", name, "sender", st.senderID, "error", err)
		return
	}
	if !slices.Contains(st.labels, name) {
		st.labels = append(st.labels, name)
	}
}
