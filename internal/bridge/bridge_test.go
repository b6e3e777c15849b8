package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/ai"
	"github.com/nextlevelbuilder/leadflow/internal/bus"
	"github.com/nextlevelbuilder/leadflow/internal/platform"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// ---- fakes ----

type fakeResolver struct {
	res *platform.Resolution
	err error
}

func (f *fakeResolver) Resolve(context.Context, bus.InboundEvent) (*platform.Resolution, error) {
	return f.res, f.err
}

type fakePlatform struct {
	mu       sync.Mutex
	sent     []string
	outbound []string // business-side transcript for the activation gate
	convID   string
	labels   map[string]string
	created  []string
	attached []string
	sendErr  error
}

func (f *fakePlatform) SendText(_ context.Context, _ *store.Account, _ platform.SendMode, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakePlatform) SetTyping(context.Context, *store.Account, platform.SendMode, string, bool) error {
	return nil
}

func (f *fakePlatform) FindConversationID(context.Context, *store.Account, platform.SendMode, string) (string, error) {
	return f.convID, nil
}

func (f *fakePlatform) RecentOutboundMessages(context.Context, *store.Account, platform.SendMode, string, int) ([]string, error) {
	return f.outbound, nil
}

func (f *fakePlatform) ListLabels(context.Context, *store.Account) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labels == nil {
		f.labels = map[string]string{}
	}
	out := make(map[string]string, len(f.labels))
	for k, v := range f.labels {
		out[k] = v
	}
	return out, nil
}

func (f *fakePlatform) CreateLabel(_ context.Context, _ *store.Account, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labels == nil {
		f.labels = map[string]string{}
	}
	id := fmt.Sprintf("label-%d", len(f.labels)+1)
	f.labels[name] = id
	f.created = append(f.created, name)
	return id, nil
}

func (f *fakePlatform) AttachLabel(_ context.Context, _ *store.Account, labelID, senderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, labelID+":"+senderID)
	return nil
}

func (f *fakePlatform) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, threadRef, _ string) (ai.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ai.Completion{}, f.err
	}
	f.calls++
	if threadRef == "" {
		threadRef = "thread-1"
	}
	return ai.Completion{Text: fmt.Sprintf("reply-%d", f.calls), ThreadRef: threadRef}, nil
}

type fakeRater struct {
	rank int
	err  error
}

func (f *fakeRater) Rate(context.Context, string) (int, error) { return f.rank, f.err }

type memAccountStore struct {
	cfg *store.AccountConfig
}

func (m *memAccountStore) GetAccountByExternalID(context.Context, string) (*store.Account, error) {
	return nil, store.ErrNotFound
}
func (m *memAccountStore) FindAccountByLinkedID(context.Context, string) (*store.Account, error) {
	return nil, store.ErrNotFound
}
func (m *memAccountStore) AppendLinkedID(context.Context, string, string) error { return nil }
func (m *memAccountStore) GetAccountConfig(context.Context, string) (*store.AccountConfig, error) {
	if m.cfg == nil {
		return nil, store.ErrNotFound
	}
	return m.cfg, nil
}
func (m *memAccountStore) UpsertAccount(context.Context, *store.Account) error        { return nil }
func (m *memAccountStore) UpsertAccountConfig(context.Context, *store.AccountConfig) error { return nil }
func (m *memAccountStore) ListAccounts(context.Context) ([]store.Account, error)      { return nil, nil }

type memConvStore struct {
	mu     sync.Mutex
	convs  map[string]*store.Conversation
	turns  map[uuid.UUID][]store.Turn
	states map[string]store.StateSnapshot
}

func newMemConvStore() *memConvStore {
	return &memConvStore{
		convs:  map[string]*store.Conversation{},
		turns:  map[uuid.UUID][]store.Turn{},
		states: map[string]store.StateSnapshot{},
	}
}

func (m *memConvStore) GetOrCreateConversation(_ context.Context, senderID, accountID string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := senderID + "/" + accountID
	if c, ok := m.convs[key]; ok {
		return c, nil
	}
	c := &store.Conversation{
		ID: uuid.Must(uuid.NewV7()), SenderID: senderID, AccountID: accountID,
		Status: "open", CreatedAt: time.Now(),
	}
	m.convs[key] = c
	return c, nil
}

func (m *memConvStore) AppendTurn(_ context.Context, conversationID uuid.UUID, role, text string, latency time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[conversationID] = append(m.turns[conversationID], store.Turn{
		ID: uuid.Must(uuid.NewV7()), ConversationID: conversationID,
		Role: role, Text: text, LatencyMs: latency.Milliseconds(), CreatedAt: time.Now(),
	})
	return nil
}

func (m *memConvStore) LastNInboundTurns(_ context.Context, conversationID uuid.UUID, n int) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Turn
	turns := m.turns[conversationID]
	for i := len(turns) - 1; i >= 0 && len(out) < n; i-- {
		if turns[i].Role == store.RoleUser {
			out = append(out, turns[i])
		}
	}
	return out, nil
}

func (m *memConvStore) Transcript(_ context.Context, conversationID uuid.UUID) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Turn(nil), m.turns[conversationID]...), nil
}

func (m *memConvStore) TouchConversation(_ context.Context, conversationID uuid.UUID, messageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.ID == conversationID {
			c.MessageCount = messageCount
			c.LastActivity = time.Now()
		}
	}
	return nil
}

func (m *memConvStore) SaveState(_ context.Context, snap *store.StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[snap.SenderID] = *snap
	return nil
}

func (m *memConvStore) LoadStates(context.Context) ([]store.StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.StateSnapshot
	for _, s := range m.states {
		out = append(out, s)
	}
	return out, nil
}

// ---- harness ----

type harness struct {
	bridge    *Bridge
	platform  *fakePlatform
	completer *fakeCompleter
	rater     *fakeRater
	convs     *memConvStore
	res       *platform.Resolution
}

func newHarness(t *testing.T, cfg *store.AccountConfig) *harness {
	t.Helper()
	acct := &store.Account{ID: "page-1", Kind: store.KindPage, Status: store.StatusActive}
	h := &harness{
		platform:  &fakePlatform{convID: "conv-1"},
		completer: &fakeCompleter{},
		rater:     &fakeRater{rank: 4},
		convs:     newMemConvStore(),
		res:       &platform.Resolution{Account: acct, Mode: platform.ModePage},
	}
	stores := &store.Stores{
		Accounts:      &memAccountStore{cfg: cfg},
		Conversations: h.convs,
	}
	// MaxBatch 1 so every message flushes synchronously with its push.
	h.bridge = New(Config{MaxBatch: 1, CompletionTimeout: 2 * time.Second},
		&fakeResolver{res: h.res}, h.platform, h.completer, h.rater, stores, nil)
	return h
}

// deliver pushes one inbound message and waits for its turn to finish.
func (h *harness) deliver(t *testing.T, msgID, text string) error {
	t.Helper()
	err := h.bridge.HandleInboundEvent(context.Background(), bus.InboundEvent{
		Object: bus.ObjectPage, EntryID: "page-1", SenderID: "user-9",
		RecipientID: "page-1", MessageID: msgID, Text: text,
	})
	h.bridge.turns.Wait()
	return err
}

func (h *harness) state() *convState {
	return h.bridge.states.get("user-9", "page-1")
}

// ---- tests ----

func TestFullConversationLifecycle(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{
		AccountID:     "page-1",
		TriggerPhrase: "PROMO10",
		FirstMessage:  "Welcome aboard!",
		EndMessage:    "Thanks for chatting!",
		StopToken:     "#stop",
		MaxMessages:   2,
	})
	h.platform.outbound = []string{"Use code PROMO10 for a discount"}

	// Turn 1: activates, answers, sends the forced follow-up.
	if err := h.deliver(t, "m1", "hello"); err != nil {
		t.Fatalf("deliver m1: %v", err)
	}
	sent := h.platform.sentTexts()
	if len(sent) != 2 || sent[0] != "reply-1" || sent[1] != "Welcome aboard!" {
		t.Fatalf("after turn 1 sent = %v", sent)
	}
	st := h.state()
	if st.phase != PhaseActivated || st.messageCount != 1 {
		t.Fatalf("after turn 1: phase=%s count=%d", st.phase, st.messageCount)
	}

	// Turn 2: second answer reaches the cap.
	if err := h.deliver(t, "m2", "tell me more"); err != nil {
		t.Fatalf("deliver m2: %v", err)
	}
	if st.phase != PhaseCapped || st.messageCount != 2 {
		t.Fatalf("after turn 2: phase=%s count=%d", st.phase, st.messageCount)
	}

	// Turn 3: end message, rating, labeling, done.
	if err := h.deliver(t, "m3", "and then?"); err != nil {
		t.Fatalf("deliver m3: %v", err)
	}
	sent = h.platform.sentTexts()
	if sent[len(sent)-1] != "Thanks for chatting!" {
		t.Fatalf("last sent = %q, want end message", sent[len(sent)-1])
	}
	if st.phase != PhaseDone || st.rank != 4 {
		t.Fatalf("after turn 3: phase=%s rank=%d", st.phase, st.rank)
	}
	if len(h.platform.created) != 1 || h.platform.created[0] != "Lead Rank 4" {
		t.Errorf("created labels = %v", h.platform.created)
	}
	if len(h.platform.attached) != 1 {
		t.Errorf("attached = %v", h.platform.attached)
	}

	// Turn 4: terminal, nothing more is sent.
	before := len(h.platform.sentTexts())
	if err := h.deliver(t, "m4", "hello again"); err != nil {
		t.Fatalf("deliver m4: %v", err)
	}
	if got := len(h.platform.sentTexts()); got != before {
		t.Errorf("sent %d messages after done, want 0", got-before)
	}
}

func TestDuplicateMessageDropped(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{AccountID: "page-1", MaxMessages: 5})

	if err := h.deliver(t, "m1", "hi"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := h.deliver(t, "m1", "hi"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("redelivery err = %v, want ErrDuplicate", err)
	}
	if h.state().messageCount != 1 {
		t.Errorf("count = %d, duplicate advanced state", h.state().messageCount)
	}
}

func TestOutOfOrderFlushDiscarded(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{AccountID: "page-1", MaxMessages: 5})

	if err := h.deliver(t, "m1", "newer text"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// A flush for an older batch that lost the race to the per-sender lock
	// arrives after the newer one was already answered.
	h.bridge.processTurn(context.Background(), "user-9", "page-1", "older text")

	sent := h.platform.sentTexts()
	if len(sent) != 1 || sent[0] != "reply-1" {
		t.Fatalf("sent = %v, want only the reply to the newer text", sent)
	}
	if h.state().messageCount != 1 {
		t.Errorf("count = %d, stale turn advanced the cap", h.state().messageCount)
	}
}

func TestEmptyTextEventIgnored(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{AccountID: "page-1", MaxMessages: 2})

	// Attachment-only payloads arrive with a mid but no text.
	if err := h.deliver(t, "m1", ""); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if h.completer.calls != 0 {
		t.Errorf("completer called %d times for an empty prompt", h.completer.calls)
	}
	if h.state().messageCount != 0 || len(h.platform.sentTexts()) != 0 {
		t.Errorf("empty event advanced state: count=%d sent=%v",
			h.state().messageCount, h.platform.sent)
	}
}

func TestNotActivatedWithoutTrigger(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{
		AccountID: "page-1", TriggerPhrase: "PROMO10", MaxMessages: 5,
	})
	h.platform.outbound = []string{"plain greeting, no code"}

	if err := h.deliver(t, "m1", "hello"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	st := h.state()
	if st.phase != PhaseNotActivated {
		t.Fatalf("phase = %s, want not-activated", st.phase)
	}
	if len(h.platform.sentTexts()) != 0 {
		t.Errorf("sent = %v, want nothing for unactivated sender", h.platform.sent)
	}

	// The gate ran once; the sender stays with human follow-up even if the
	// trigger shows up in the transcript later.
	h.platform.outbound = append(h.platform.outbound, "here is PROMO10 for you")
	if err := h.deliver(t, "m2", "still there?"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if st.phase != PhaseNotActivated {
		t.Fatalf("phase = %s, want not-activated to stay terminal", st.phase)
	}
	if len(h.platform.sentTexts()) != 0 {
		t.Errorf("sent = %v, want continued silence", h.platform.sent)
	}
}

func TestEmptyTriggerAlwaysActivates(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{AccountID: "page-1", MaxMessages: 5})

	if err := h.deliver(t, "m1", "hello"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if h.state().phase != PhaseActivated {
		t.Fatalf("phase = %s, want activated with empty trigger", h.state().phase)
	}
}

func TestStopTokenInbound(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{
		AccountID: "page-1", StopToken: "#stop", MaxMessages: 5,
	})

	if err := h.deliver(t, "m1", "please #stop messaging me"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	st := h.state()
	if !st.stopped {
		t.Fatal("state not stopped after stop token")
	}
	if len(h.platform.sentTexts()) != 0 {
		t.Errorf("sent = %v after stop token", h.platform.sent)
	}

	// Stopped is sticky: later messages are dropped at ingest.
	if err := h.deliver(t, "m2", "hello?"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(h.platform.sentTexts()) != 0 {
		t.Error("stopped sender still received a reply")
	}
}

func TestStopTokenInTranscript(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{
		AccountID: "page-1", StopToken: "#stop", MaxMessages: 5,
	})
	h.platform.outbound = []string{"a human will take it from here #stop"}

	if err := h.deliver(t, "m1", "hello"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !h.state().stopped {
		t.Fatal("state not stopped after stop token in transcript")
	}
	if len(h.platform.sentTexts()) != 0 {
		t.Errorf("sent = %v after transcript stop", h.platform.sent)
	}
}

func TestOperatorStopViaEcho(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{
		AccountID: "page-1", StopToken: "#stop", MaxMessages: 5,
	})

	err := h.bridge.HandleInboundEvent(context.Background(), bus.InboundEvent{
		Object: bus.ObjectPage, EntryID: "page-1",
		SenderID: "page-1", RecipientID: "user-9",
		MessageID: "m-echo", Text: "taking over #stop", IsEcho: true,
	})
	if err != nil {
		t.Fatalf("echo event: %v", err)
	}
	if !h.state().stopped {
		t.Fatal("recipient not stopped after operator echo with stop token")
	}
}

func TestCompletionFailureDoesNotAdvance(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{AccountID: "page-1", MaxMessages: 5})
	h.completer.err = errors.New("model unavailable")

	if err := h.deliver(t, "m1", "hello"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	st := h.state()
	if st.messageCount != 0 {
		t.Errorf("count = %d, failed turn advanced state", st.messageCount)
	}
	if len(h.platform.sentTexts()) != 0 {
		t.Errorf("sent = %v after completion failure", h.platform.sent)
	}

	// Recovery: the next message gets a normal reply.
	h.completer.err = nil
	if err := h.deliver(t, "m2", "hello again"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if st.messageCount != 1 {
		t.Errorf("count = %d after recovery, want 1", st.messageCount)
	}
}

func TestRespondReturnsTransientError(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{AccountID: "page-1", MaxMessages: 5})
	ctx := context.Background()
	conv, err := h.convs.GetOrCreateConversation(ctx, "user-9", "page-1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	cfg := &store.AccountConfig{AccountID: "page-1", MaxMessages: 5}

	h.completer.err = errors.New("model unavailable")
	err = h.bridge.respond(ctx, h.res, cfg, conv, h.state(), "hi")
	if !errors.Is(err, ErrTransient) {
		t.Errorf("completion failure err = %v, want ErrTransient", err)
	}

	h.completer.err = nil
	h.platform.sendErr = errors.New("network down")
	err = h.bridge.respond(ctx, h.res, cfg, conv, h.state(), "hi")
	if !errors.Is(err, ErrTransient) {
		t.Errorf("send failure err = %v, want ErrTransient", err)
	}
}

func TestRatingFailureDefaultsNeutral(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{
		AccountID: "page-1", EndMessage: "bye", MaxMessages: 1,
	})
	h.rater.err = ai.ErrUnparsableRank

	if err := h.deliver(t, "m1", "hi"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := h.deliver(t, "m2", "more"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	st := h.state()
	if st.phase != PhaseDone || st.rank != defaultRank {
		t.Fatalf("phase=%s rank=%d, want done with neutral default", st.phase, st.rank)
	}
	if len(h.platform.created) != 1 || h.platform.created[0] != "Lead Rank 3" {
		t.Errorf("created labels = %v", h.platform.created)
	}
}

func TestRepeatedMessageGuard(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{AccountID: "page-1", MaxMessages: 10})

	for i := 1; i <= 3; i++ {
		if err := h.deliver(t, fmt.Sprintf("m%d", i), "same text"); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	count := h.state().messageCount

	// Fourth identical message matches the trailing window and is ignored.
	if err := h.deliver(t, "m4", "same text"); err != nil {
		t.Fatalf("deliver m4: %v", err)
	}
	if h.state().messageCount != count {
		t.Errorf("count advanced on repeated message: %d -> %d", count, h.state().messageCount)
	}
}

func TestLabelReuseAcrossConversations(t *testing.T) {
	h := newHarness(t, &store.AccountConfig{AccountID: "page-1", MaxMessages: 1})
	h.platform.labels = map[string]string{"Lead Rank 4": "label-9"}

	if err := h.deliver(t, "m1", "hi"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := h.deliver(t, "m2", "more"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(h.platform.created) != 0 {
		t.Errorf("created = %v, want reuse of existing label", h.platform.created)
	}
	if len(h.platform.attached) != 1 || h.platform.attached[0] != "label-9:user-9" {
		t.Errorf("attached = %v", h.platform.attached)
	}
}

func TestRehydrateRestoresTerminalState(t *testing.T) {
	convs := newMemConvStore()
	convs.states["user-9"] = store.StateSnapshot{
		SenderID: "user-9", AccountID: "page-1", Phase: string(PhaseDone), Rank: 5,
	}
	stores := &store.Stores{
		Accounts:      &memAccountStore{cfg: &store.AccountConfig{AccountID: "page-1"}},
		Conversations: convs,
	}
	fp := &fakePlatform{}
	acct := &store.Account{ID: "page-1", Status: store.StatusActive}
	b := New(Config{MaxBatch: 1}, &fakeResolver{res: &platform.Resolution{Account: acct, Mode: platform.ModePage}},
		fp, &fakeCompleter{}, &fakeRater{rank: 3}, stores, nil)

	if err := b.states.rehydrate(context.Background(), convs); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	err := b.HandleInboundEvent(context.Background(), bus.InboundEvent{
		Object: bus.ObjectPage, EntryID: "page-1", SenderID: "user-9", MessageID: "m1", Text: "hi",
	})
	if err != nil {
		t.Fatalf("HandleInboundEvent: %v", err)
	}
	b.turns.Wait()
	if len(fp.sent) != 0 {
		t.Errorf("sent = %v for a conversation done before restart", fp.sent)
	}
}
