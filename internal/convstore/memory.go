package convstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/convcore/pkg/models"
)

// MemoryStore is an in-memory Storage implementation for tests and local
// runs, grounded on the donor's sessions.MemoryStore: a plain map behind
// one mutex, values cloned on the way in and out so callers can never
// mutate the store's internal state through a returned pointer/slice.
type MemoryStore struct {
	mu sync.Mutex

	conversations map[string]Conversation
	states        map[string]models.ConvState
	messages      map[string][]models.Message // append-only, ordered by SequenceID
	messageIDs    map[string]map[string]uint64 // conversationID -> message.ID -> sequence_id, for idempotent insert

	locks map[string]*sync.Mutex // per-conversation advisory locks
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
		states:        make(map[string]models.ConvState),
		messages:      make(map[string][]models.Message),
		messageIDs:    make(map[string]map[string]uint64),
		locks:         make(map[string]*sync.Mutex),
	}
}

// Seed registers a conversation row directly, for tests that need a
// conversation to already exist without going through CreateChild.
func (s *MemoryStore) Seed(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
}

func (s *MemoryStore) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// Lock implements Storage.
func (s *MemoryStore) Lock(ctx context.Context, conversationID string) (func(), error) {
	l := s.lockFor(conversationID)
	done := make(chan struct{})
	go func() { l.Lock(); close(done) }()
	select {
	case <-done:
		return l.Unlock, nil
	case <-ctx.Done():
		go func() { <-done; l.Unlock() }() // still acquires eventually; release once it does
		return nil, ctx.Err()
	}
}

// InsertMessage implements Storage.
func (s *MemoryStore) InsertMessage(_ context.Context, conversationID string, msg models.Message) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq, ok := s.messageIDs[conversationID][msg.ID]; ok {
		return seq, nil
	}

	seq := uint64(len(s.messages[conversationID]) + 1)
	msg.SequenceID = seq
	msg.ConversationID = conversationID
	s.messages[conversationID] = append(s.messages[conversationID], msg)

	if s.messageIDs[conversationID] == nil {
		s.messageIDs[conversationID] = make(map[string]uint64)
	}
	s.messageIDs[conversationID][msg.ID] = seq
	return seq, nil
}

// UpsertState implements Storage.
func (s *MemoryStore) UpsertState(_ context.Context, conversationID string, state models.ConvState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[conversationID] = state
	return nil
}

// LoadState implements Storage.
func (s *MemoryStore) LoadState(_ context.Context, conversationID string) (models.ConvState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[conversationID]
	return state, ok, nil
}

// LoadMessages implements Storage.
func (s *MemoryStore) LoadMessages(_ context.Context, conversationID string, afterSeq uint64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	result := make([]models.Message, 0, len(all))
	for _, m := range all {
		if m.SequenceID > afterSeq {
			result = append(result, m)
		}
	}
	return result, nil
}

// MaxSequenceID implements Storage.
func (s *MemoryStore) MaxSequenceID(_ context.Context, conversationID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].SequenceID, nil
}

// GetConversation implements Storage.
func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv, nil
}

// MarkConversation implements Storage.
func (s *MemoryStore) MarkConversation(_ context.Context, conversationID string, mark Mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	switch mark.Kind {
	case MarkRename:
		conv.Title = mark.Title
	case MarkArchive:
		conv.Archived = true
	case MarkUnarchive:
		conv.Archived = false
	case MarkDelete:
		delete(s.conversations, conversationID)
		return nil
	default:
		return fmt.Errorf("convstore: unknown mark kind %q", mark.Kind)
	}
	conv.UpdatedAt = time.Now()
	s.conversations[conversationID] = conv
	return nil
}

// CreateChild implements Storage.
func (s *MemoryStore) CreateChild(ctx context.Context, req CreateChildRequest) (string, error) {
	childID := req.ID
	if childID == "" {
		childID = uuid.NewString()
	}

	s.mu.Lock()
	parent, ok := s.conversations[req.ParentConversationID]
	workingDir := req.WorkingDir
	if workingDir == "" && ok {
		workingDir = parent.WorkingDir
	}
	model := req.Model
	if model == "" && ok {
		model = parent.Model
	}
	now := time.Now()
	s.conversations[childID] = Conversation{
		ID:         childID,
		ParentID:   req.ParentConversationID,
		WorkingDir: workingDir,
		Model:      model,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Unlock()

	if req.InitialMessage.ID != "" {
		if _, err := s.InsertMessage(ctx, childID, req.InitialMessage); err != nil {
			return "", fmt.Errorf("convstore: insert initial message: %w", err)
		}
	}
	return childID, nil
}
