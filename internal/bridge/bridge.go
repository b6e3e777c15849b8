// Package bridge is the conversation engine: it consumes inbound events,
// deduplicates and debounces them, drives the per-sender lifecycle, and
// produces model-backed replies through the platform client.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/leadflow/internal/ai"
	"github.com/nextlevelbuilder/leadflow/internal/bus"
	"github.com/nextlevelbuilder/leadflow/internal/platform"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// PlatformClient is the outbound Graph API surface the bridge needs.
type PlatformClient interface {
	SendText(ctx context.Context, acct *store.Account, mode platform.SendMode, recipientID, text string) error
	SetTyping(ctx context.Context, acct *store.Account, mode platform.SendMode, recipientID string, on bool) error
	FindConversationID(ctx context.Context, acct *store.Account, mode platform.SendMode, senderID string) (string, error)
	RecentOutboundMessages(ctx context.Context, acct *store.Account, mode platform.SendMode, conversationID string, limit int) ([]string, error)
	ListLabels(ctx context.Context, acct *store.Account) (map[string]string, error)
	CreateLabel(ctx context.Context, acct *store.Account, name string) (string, error)
	AttachLabel(ctx context.Context, acct *store.Account, labelID, senderID string) error
}

// AccountResolver maps inbound events to connected accounts.
type AccountResolver interface {
	Resolve(ctx context.Context, ev bus.InboundEvent) (*platform.Resolution, error)
}

// Config tunes the bridge runtime. Zero values fall back to defaults.
type Config struct {
	MaxBatch          int           // texts merged into one turn
	StaleAge          time.Duration // lone-message flush threshold
	SweepInterval     time.Duration // background sweep cadence
	CompletionTimeout time.Duration // model call deadline per turn

	// Fallback texts when an account has no stored config.
	FallbackFirstMessage string
	FallbackEndMessage   string
	DefaultMaxMessages   int
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 60 * time.Second
	}
	if c.DefaultMaxMessages <= 0 {
		c.DefaultMaxMessages = 5
	}
}

// Bridge wires ingestion to the conversation lifecycle.
type Bridge struct {
	cfgMu     sync.RWMutex // guards the hot-reloadable fields of cfg
	cfg       Config
	resolver  AccountResolver
	platform  PlatformClient
	completer ai.Completer
	rater     ai.Rater
	accounts  store.AccountStore
	convs     store.ConversationStore
	events    bus.EventPublisher // optional dashboard feed

	dedupe   *bus.DedupeCache
	debounce *bus.InboundDebouncer
	states   *stateRegistry

	// resolutions caches the (account, mode) pair per sender between the
	// ingest path and the flush path.
	resolutions sync.Map

	// turns tracks in-flight flush goroutines for shutdown.
	turns sync.WaitGroup
}

func New(cfg Config, resolver AccountResolver, client PlatformClient, completer ai.Completer, rater ai.Rater, stores *store.Stores, events bus.EventPublisher) *Bridge {
	cfg.applyDefaults()
	b := &Bridge{
		cfg:       cfg,
		resolver:  resolver,
		platform:  client,
		completer: completer,
		rater:     rater,
		accounts:  stores.Accounts,
		convs:     stores.Conversations,
		events:    events,
		dedupe:    bus.NewDedupeCache(0, 0),
		states:    newStateRegistry(),
	}
	b.debounce = bus.NewInboundDebouncer(cfg.MaxBatch, cfg.StaleAge, func(senderID, accountID, mergedText string) {
		b.turns.Add(1)
		go func() {
			defer b.turns.Done()
			b.processTurn(context.Background(), senderID, accountID, mergedText)
		}()
	})
	return b
}

// ApplyRuntimeConfig swaps the hot-reloadable settings: fallback texts
// and the default answer cap. Batching and timeouts stay fixed for the
// process lifetime.
func (b *Bridge) ApplyRuntimeConfig(fallbackFirst, fallbackEnd string, defaultMaxMessages int) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	b.cfg.FallbackFirstMessage = fallbackFirst
	b.cfg.FallbackEndMessage = fallbackEnd
	if defaultMaxMessages > 0 {
		b.cfg.DefaultMaxMessages = defaultMaxMessages
	}
}

func (b *Bridge) fallbackFirst() string {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg.FallbackFirstMessage
}

func (b *Bridge) fallbackEnd() string {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg.FallbackEndMessage
}

func (b *Bridge) defaultMaxMessages() int {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg.DefaultMaxMessages
}

// Start rehydrates persisted state and launches the consumer and the
// stale-batch sweeper. Blocks until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context, router bus.EventRouter) error {
	if err := b.states.rehydrate(ctx, b.convs); err != nil {
		return err
	}

	go b.runSweeper(ctx)

	for {
		ev, ok := router.ConsumeInbound(ctx)
		if !ok {
			b.turns.Wait()
			return nil
		}
		if err := b.HandleInboundEvent(ctx, ev); err != nil {
			switch {
			case errors.Is(err, ErrDuplicate):
				slog.Debug("bridge: duplicate dropped", "message_id", ev.MessageID)
			case errors.Is(err, platform.ErrUnroutable):
				slog.Warn("bridge: unroutable event dropped",
					"object", ev.Object, "entry_id", ev.EntryID)
			default:
				slog.Error("bridge: event handling failed",
					"entry_id", ev.EntryID, "sender", ev.SenderID, "error", err)
			}
		}
	}
}

func (b *Bridge) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.debounce.SweepStale(now)
		}
	}
}

// HandleInboundEvent runs the ingest path for one event: dedup, account
// resolution, terminal checks, then the debouncer. Returns ErrDuplicate
// or platform.ErrUnroutable for events that were dropped on purpose.
func (b *Bridge) HandleInboundEvent(ctx context.Context, ev bus.InboundEvent) error {
	// Attachment-only payloads carry no text; there is nothing to answer
	// and they must not burn the answer cap.
	if ev.Text == "" {
		return nil
	}
	if ev.MessageID != "" && b.dedupe.SeenOrRemember(ev.MessageID) {
		return ErrDuplicate
	}

	res, err := b.resolver.Resolve(ctx, ev)
	if err != nil {
		return err
	}

	if ev.IsEcho {
		b.handleEcho(ctx, res, ev)
		return nil
	}

	st := b.states.get(ev.SenderID, res.Account.ID)
	st.mu.Lock()
	if st.terminal() {
		st.mu.Unlock()
		b.debounce.Drop(ev.SenderID)
		return nil
	}
	// Recorded at ingest so a flush can detect that a newer message
	// arrived after the texts it merged.
	st.lastMessageText = ev.Text
	st.lastMessageAt = time.Now()
	st.mu.Unlock()

	b.resolutions.Store(ev.SenderID, res)
	b.debounce.Push(ev.SenderID, res.Account.ID, ev.Text)
	return nil
}

// handleEcho inspects our own outbound messages echoed back. An operator
// manually sending the stop token from the page inbox permanently
// silences the bot for that recipient; every other echo is ignored.
func (b *Bridge) handleEcho(ctx context.Context, res *platform.Resolution, ev bus.InboundEvent) {
	cfg, err := b.accountConfig(ctx, res.Account.ID)
	if err != nil || cfg.StopToken == "" || !strings.Contains(ev.Text, cfg.StopToken) {
		return
	}

	st := b.states.get(ev.RecipientID, res.Account.ID)
	st.mu.Lock()
	if !st.stopped {
		st.stopped = true
		b.persist(ctx, st)
		slog.Info("bridge: conversation stopped by operator",
			"sender", ev.RecipientID, "account", res.Account.ID)
		b.broadcast("conversation.stopped", map[string]any{
			"sender_id": ev.RecipientID, "account_id": res.Account.ID,
		})
	}
	st.mu.Unlock()
	b.debounce.Drop(ev.RecipientID)
}

// repeatWindow is how many trailing inbound turns the repeated-message
// guard compares against.
const repeatWindow = 3

// processTurn handles one merged logical turn. st.mu serializes turns per
// sender for its whole duration, including the model call.
func (b *Bridge) processTurn(ctx context.Context, senderID, accountID, mergedText string) {
	v, ok := b.resolutions.Load(senderID)
	if !ok {
		slog.Error("bridge: flush without cached resolution", "sender", senderID)
		return
	}
	res := v.(*platform.Resolution)

	st := b.states.get(senderID, accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.terminal() {
		return
	}

	cfg, err := b.accountConfig(ctx, accountID)
	if err != nil {
		slog.Error("bridge: account config read failed", "account", accountID, "error", err)
		return
	}

	conv, err := b.convs.GetOrCreateConversation(ctx, senderID, accountID)
	if err != nil {
		slog.Error("bridge: conversation lookup failed", "sender", senderID, "error", err)
		return
	}

	if b.isRepeatedMessage(ctx, conv, mergedText) {
		slog.Info("bridge: repeated message ignored", "sender", senderID)
		return
	}

	if b.stopRequested(ctx, res, cfg, senderID, mergedText) {
		st.stopped = true
		b.appendTurn(ctx, conv, store.RoleUser, mergedText, 0)
		b.persist(ctx, st)
		slog.Info("bridge: conversation stopped by token", "sender", senderID)
		b.broadcast("conversation.stopped", map[string]any{
			"sender_id": senderID, "account_id": accountID,
		})
		return
	}

	b.appendTurn(ctx, conv, store.RoleUser, mergedText, 0)

	// A newer message for this sender was recorded after the texts merged
	// here, either still buffered or carried by a flush that overtook this
	// one to the lock. Answering now would reply out of order.
	if b.debounce.Pending(senderID) > 0 || !strings.HasSuffix(mergedText, st.lastMessageText) {
		slog.Info("bridge: stale merged turn skipped", "sender", senderID)
		return
	}

	if st.phase == PhaseUnseen {
		// The gate runs once per sender. A failed transcript lookup counts
		// as not activated; the conversation goes to human follow-up.
		activated, err := b.isActivated(ctx, res, cfg, senderID)
		if err != nil {
			slog.Warn("bridge: activation check failed", "sender", senderID, "error", err)
			activated = false
		}
		if !activated {
			st.phase = PhaseNotActivated
			b.persist(ctx, st)
			return
		}
		st.phase = PhaseActivated
		slog.Info("bridge: conversation activated", "sender", senderID, "account", accountID)
		b.broadcast("conversation.activated", map[string]any{
			"sender_id": senderID, "account_id": accountID,
		})
	}

	if st.phase == PhaseCapped {
		if err := b.finishConversation(ctx, res, cfg, conv, st); err != nil {
			slog.Warn("bridge: finish aborted, next message retries", "sender", senderID, "error", err)
		}
		b.persist(ctx, st)
		return
	}

	if err := b.respond(ctx, res, cfg, conv, st, mergedText); err != nil {
		slog.Warn("bridge: turn aborted, next message retries", "sender", senderID, "error", err)
	}
	b.persist(ctx, st)
}

// respond runs the model and delivers the reply. External failures come
// back as ErrTransient: the turn aborts without advancing messageCount, so
// the sender's next message effectively retries it.
func (b *Bridge) respond(ctx context.Context, res *platform.Resolution, cfg *store.AccountConfig, conv *store.Conversation, st *convState, mergedText string) error {
	b.setTyping(ctx, res, st.senderID, true)
	defer b.setTyping(ctx, res, st.senderID, false)

	cctx, cancel := context.WithTimeout(ctx, b.cfg.CompletionTimeout)
	start := time.Now()
	comp, err := b.completer.Complete(cctx, st.assistantThread, mergedText)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: completion: %v", ErrTransient, err)
	}
	st.assistantThread = comp.ThreadRef

	// Newer input arrived during the model call. Discard this reply and
	// let the pending batch drive a response to the full context.
	if b.debounce.Pending(st.senderID) > 0 {
		slog.Info("bridge: reply discarded, newer input pending", "sender", st.senderID)
		return nil
	}

	if err := b.platform.SendText(ctx, res.Account, res.Mode, st.senderID, comp.Text); err != nil {
		return fmt.Errorf("%w: send reply: %v", ErrTransient, err)
	}
	b.appendTurn(ctx, conv, store.RoleBot, comp.Text, time.Since(start))

	// One forced follow-up right after the very first answered turn.
	if st.messageCount == 0 {
		first := cfg.FirstMessage
		if first == "" {
			first = b.fallbackFirst()
		}
		if first != "" {
			if err := b.platform.SendText(ctx, res.Account, res.Mode, st.senderID, first); err != nil {
				slog.Error("bridge: first message send failed", "sender", st.senderID, "error", err)
			} else {
				b.appendTurn(ctx, conv, store.RoleBot, first, 0)
			}
		}
	}

	st.messageCount++
	if err := b.convs.TouchConversation(ctx, conv.ID, st.messageCount); err != nil {
		slog.Error("bridge: touch conversation failed", "conversation", conv.ID, "error", err)
	}

	max := cfg.MaxMessages
	if max <= 0 {
		max = b.defaultMaxMessages()
	}
	if st.messageCount >= max {
		st.phase = PhaseCapped
	}

	b.broadcast("message.sent", map[string]any{
		"sender_id": st.senderID, "account_id": st.accountID,
		"count": st.messageCount,
	})
	return nil
}

// stopRequested reports whether the stop token appears in the merged
// inbound text or anywhere in the business-side transcript. The latter
// catches an operator stop sent while the bot was offline and never
// echoed. Lookup failures count as no match.
func (b *Bridge) stopRequested(ctx context.Context, res *platform.Resolution, cfg *store.AccountConfig, senderID, mergedText string) bool {
	if cfg.StopToken == "" {
		return false
	}
	if strings.Contains(mergedText, cfg.StopToken) {
		return true
	}
	convID, err := b.platform.FindConversationID(ctx, res.Account, res.Mode, senderID)
	if err != nil || convID == "" {
		return false
	}
	msgs, err := b.platform.RecentOutboundMessages(ctx, res.Account, res.Mode, convID, recentOutboundLimit)
	if err != nil {
		return false
	}
	for _, m := range msgs {
		if strings.Contains(m, cfg.StopToken) {
			return true
		}
	}
	return false
}

// isRepeatedMessage reports whether the merged text matches the last
// repeatWindow inbound turns exactly. Guards against webhook storms and
// client resend loops that dedup by message id cannot catch.
func (b *Bridge) isRepeatedMessage(ctx context.Context, conv *store.Conversation, mergedText string) bool {
	last, err := b.convs.LastNInboundTurns(ctx, conv.ID, repeatWindow)
	if err != nil || len(last) < repeatWindow {
		return false
	}
	for _, t := range last {
		if t.Text != mergedText {
			return false
		}
	}
	return true
}

// accountConfig loads the per-account bot config, falling back to the
// runtime defaults when none is stored.
func (b *Bridge) accountConfig(ctx context.Context, accountID string) (*store.AccountConfig, error) {
	cfg, err := b.accounts.GetAccountConfig(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.AccountConfig{
			AccountID:    accountID,
			FirstMessage: b.fallbackFirst(),
			EndMessage:   b.fallbackEnd(),
			MaxMessages:  b.defaultMaxMessages(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (b *Bridge) appendTurn(ctx context.Context, conv *store.Conversation, role, text string, latency time.Duration) {
	if err := b.convs.AppendTurn(ctx, conv.ID, role, text, latency); err != nil {
		slog.Error("bridge: append turn failed", "conversation", conv.ID, "role", role, "error", err)
	}
}

func (b *Bridge) setTyping(ctx context.Context, res *platform.Resolution, senderID string, on bool) {
	if err := b.platform.SetTyping(ctx, res.Account, res.Mode, senderID, on); err != nil {
		slog.Debug("bridge: typing indicator failed", "sender", senderID, "error", err)
	}
}

// persist writes a state snapshot. Callers hold st.mu.
func (b *Bridge) persist(ctx context.Context, st *convState) {
	if err := b.convs.SaveState(ctx, st.snapshot()); err != nil {
		slog.Error("bridge: state persist failed", "sender", st.senderID, "error", err)
	}
}

func (b *Bridge) broadcast(name string, payload any) {
	if b.events == nil {
		return
	}
	b.events.Broadcast(bus.Event{Name: name, Payload: payload})
}
