package convnotify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/convcore/internal/convstate"
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/pkg/models"
)

// fakeStorage is a minimal in-memory convstore.Storage, mirroring the one
// internal/convrun's own tests use.
type fakeStorage struct {
	mu            sync.Mutex
	messages      map[string][]models.Message
	states        map[string]models.ConvState
	conversations map[string]convstore.Conversation
	nextSeq       map[string]uint64
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		messages:      map[string][]models.Message{},
		states:        map[string]models.ConvState{},
		conversations: map[string]convstore.Conversation{},
		nextSeq:       map[string]uint64{},
	}
}

func (f *fakeStorage) InsertMessage(_ context.Context, conversationID string, msg models.Message) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq[conversationID]++
	msg.SequenceID = f.nextSeq[conversationID]
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	return msg.SequenceID, nil
}

func (f *fakeStorage) UpsertState(_ context.Context, conversationID string, state models.ConvState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[conversationID] = state
	return nil
}

func (f *fakeStorage) LoadState(_ context.Context, conversationID string) (models.ConvState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[conversationID]
	return s, ok, nil
}

func (f *fakeStorage) LoadMessages(_ context.Context, conversationID string, afterSeq uint64) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages[conversationID] {
		if m.SequenceID > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStorage) MaxSequenceID(_ context.Context, conversationID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq[conversationID], nil
}

func (f *fakeStorage) GetConversation(_ context.Context, conversationID string) (convstore.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return convstore.Conversation{}, convstore.ErrNotFound
	}
	return c, nil
}

func (f *fakeStorage) MarkConversation(_ context.Context, _ string, _ convstore.Mark) error {
	return nil
}

func (f *fakeStorage) CreateChild(_ context.Context, _ convstore.CreateChildRequest) (string, error) {
	return "", nil
}

func (f *fakeStorage) Lock(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}

// fakeStates is a StateProvider that never reports a live supervisor,
// forcing Subscribe's fallback to storage's persisted state.
type fakeStates struct {
	mu     sync.Mutex
	states map[string]models.ConvState
}

func newFakeStates() *fakeStates { return &fakeStates{states: map[string]models.ConvState{}} }

func (f *fakeStates) StateOf(conversationID string) (models.ConvState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[conversationID]
	return s, ok
}

func userMessage(seq uint64, text string) models.Message {
	return models.Message{
		ID:         "msg-" + text,
		SequenceID: seq,
		Kind:       models.MessageKindUser,
		User:       &models.UserContent{Text: text},
	}
}

func TestNotifierSubscribeReplaysPersistedMessages(t *testing.T) {
	storage := newFakeStorage()
	storage.conversations["conv-1"] = convstore.Conversation{ID: "conv-1", Model: "claude"}
	storage.messages["conv-1"] = []models.Message{userMessage(1, "a"), userMessage(2, "b")}
	storage.nextSeq["conv-1"] = 2

	n := NewNotifier(storage, newFakeStates(), nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replay, init, events, err := n.Subscribe(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(replay) != 2 {
		t.Fatalf("expected 2 replayed messages, got %d", len(replay))
	}
	if init.MaxSequenceID != 2 {
		t.Fatalf("expected init.MaxSequenceID=2, got %d", init.MaxSequenceID)
	}
	if init.Conversation.ID != "conv-1" {
		t.Fatalf("expected init to carry the conversation row, got %+v", init.Conversation)
	}
	_ = events
}

func TestNotifierSubscribeInitFallsBackToStorageState(t *testing.T) {
	storage := newFakeStorage()
	storage.conversations["conv-2"] = convstore.Conversation{ID: "conv-2"}
	storage.states["conv-2"] = models.ConvState{Kind: models.ConvStateAwaitingLlm, AwaitingLlm: &models.AttemptState{Attempt: 1}}

	n := NewNotifier(storage, newFakeStates(), nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, init, _, err := n.Subscribe(ctx, "conv-2", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if init.State.Kind != models.ConvStateAwaitingLlm {
		t.Fatalf("expected init.State to fall back to storage, got %+v", init.State)
	}
}

func TestNotifierSubscribeInitPrefersLiveState(t *testing.T) {
	storage := newFakeStorage()
	storage.conversations["conv-3"] = convstore.Conversation{ID: "conv-3"}
	storage.states["conv-3"] = models.ConvState{Kind: models.ConvStateIdle}

	states := newFakeStates()
	states.states["conv-3"] = models.ConvState{Kind: models.ConvStateToolExecuting}

	n := NewNotifier(storage, states, nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, init, _, err := n.Subscribe(ctx, "conv-3", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if init.State.Kind != models.ConvStateToolExecuting {
		t.Fatalf("expected init.State to prefer the live supervisor's state, got %+v", init.State)
	}
}

func TestNotifierDeliversLiveEventsAfterSubscribe(t *testing.T) {
	storage := newFakeStorage()
	storage.conversations["conv-4"] = convstore.Conversation{ID: "conv-4"}

	n := NewNotifier(storage, newFakeStates(), nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, events, err := n.Subscribe(ctx, "conv-4", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg := userMessage(1, "live")
	n.Publish("conv-4", convstate.NotifyClientEffect{Kind: convstate.NotifyClientMessage, Message: &msg})
	n.Publish("conv-4", convstate.NotifyClientEffect{Kind: convstate.NotifyClientAgentDone})

	first := mustRecvEvent(t, events)
	if first.Kind != EventMessage || first.Message == nil || first.Message.User.Text != "live" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := mustRecvEvent(t, events)
	if second.Kind != EventAgentDone {
		t.Fatalf("unexpected second event: %+v", second)
	}
	// agent_done events number from the notifier's own per-conversation
	// counter, not the message sequence space.
	if second.SequenceID != 1 {
		t.Fatalf("expected agent_done to get local sequence 1, got %d", second.SequenceID)
	}
}

func TestNotifierLiveForwardingStartsAfterReplaySnapshot(t *testing.T) {
	storage := newFakeStorage()
	storage.conversations["conv-5"] = convstore.Conversation{ID: "conv-5"}

	n := NewNotifier(storage, newFakeStates(), nil, nil, 0)

	// Publish before Subscribe so the event lands in the ring at tail=1;
	// Subscribe's storage replay separately picks up the same message
	// from storage, so it must not also be forwarded live.
	_, err := storage.InsertMessage(context.Background(), "conv-5", userMessage(0, "pre"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	preMsg := storage.messages["conv-5"][0]
	n.Publish("conv-5", convstate.NotifyClientEffect{Kind: convstate.NotifyClientMessage, Message: &preMsg})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replay, _, events, err := n.Subscribe(ctx, "conv-5", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(replay) != 1 {
		t.Fatalf("expected replay to cover the pre-existing message, got %d", len(replay))
	}

	msg2 := userMessage(0, "post")
	seq2, err := storage.InsertMessage(context.Background(), "conv-5", msg2)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	msg2.SequenceID = seq2
	n.Publish("conv-5", convstate.NotifyClientEffect{Kind: convstate.NotifyClientMessage, Message: &msg2})

	ev := mustRecvEvent(t, events)
	if ev.SequenceID != seq2 {
		t.Fatalf("expected the already-replayed message to be skipped live, got seq %d", ev.SequenceID)
	}
}

func TestNotifierLappedRingCatchesUpFromStorage(t *testing.T) {
	storage := newFakeStorage()
	storage.conversations["conv-6"] = convstore.Conversation{ID: "conv-6"}

	const ringSize = 8
	n := NewNotifier(storage, newFakeStates(), nil, nil, ringSize)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, events, err := n.Subscribe(ctx, "conv-6", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Publish (and durably persist) far more messages than the ring
	// retains before the subscriber ever reads, forcing the ring to
	// evict everything the subscriber was meant to see live.
	const total = ringSize + 10
	for i := 1; i <= total; i++ {
		msg := userMessage(0, "m")
		seq, insErr := storage.InsertMessage(context.Background(), "conv-6", msg)
		if insErr != nil {
			t.Fatalf("insert: %v", insErr)
		}
		msg.SequenceID = seq
		n.Publish("conv-6", convstate.NotifyClientEffect{Kind: convstate.NotifyClientMessage, Message: &msg})
	}

	seen := map[uint64]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < total {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed early with %d/%d seen", len(seen), total)
			}
			seen[ev.SequenceID] = true
		case <-deadline:
			t.Fatalf("timed out with %d/%d messages delivered, want no gaps", len(seen), total)
		}
	}
	for seq := uint64(1); seq <= uint64(total); seq++ {
		if !seen[seq] {
			t.Fatalf("gap: sequence %d never delivered", seq)
		}
	}
}

func TestNotifierSubscribeClosesEventsOnContextCancel(t *testing.T) {
	storage := newFakeStorage()
	storage.conversations["conv-7"] = convstore.Conversation{ID: "conv-7"}

	n := NewNotifier(storage, newFakeStates(), nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())

	_, _, events, err := n.Subscribe(ctx, "conv-7", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected events to close on context cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events to close")
	}
}

func mustRecvEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
