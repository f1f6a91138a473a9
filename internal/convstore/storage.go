// Package convstore implements the Storage boundary every PersistMessage,
// PersistState, RequestLlm (prompt materialization), SpawnSubAgent, and
// restart-recovery path reads or writes through.
package convstore

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/convcore/pkg/models"
)

// ErrNotFound is returned by LoadState/LoadConversation when the id is
// unknown. LoadMessages returns an empty slice instead, since "no
// messages yet" is not an error.
var ErrNotFound = errors.New("convstore: not found")

// MarkKind discriminates the MarkConversation operation.
type MarkKind string

const (
	MarkRename    MarkKind = "rename"
	MarkArchive   MarkKind = "archive"
	MarkUnarchive MarkKind = "unarchive"
	MarkDelete    MarkKind = "delete"
)

// Mark is the payload for mark_conversation(...): rename/archive/delete,
// spec.md §6's catch-all conversation-metadata operation.
type Mark struct {
	Kind  MarkKind
	Title string // only meaningful for MarkRename
}

// CreateChildRequest describes a new child conversation row. ID lets the
// caller pre-assign the child's conversation id (the SpawnAgents
// classification path in internal/convexec mints it before the
// SpawnSubAgent effect runs, so the id is already baked into the
// AwaitingSubAgentsState the transition persisted); when empty, the
// Storage implementation mints one itself.
type CreateChildRequest struct {
	ID                   string
	ParentConversationID string
	WorkingDir           string
	Model                string
	InitialMessage       models.Message
}

// Conversation is the persisted row backing one conversation: identity
// and metadata, not runtime state (that lives in ConvState rows).
type Conversation struct {
	ID         string
	ParentID   string // empty for a root conversation
	WorkingDir string
	Model      string
	Title      string
	Archived   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Storage is the persistence boundary named in spec.md §6. All writes for
// a single transition's effects happen under the per-conversation
// advisory lock Lock returns, so replay after a crash is safe (§5).
type Storage interface {
	// InsertMessage assigns a sequence id and appends msg. Idempotent:
	// re-inserting a message whose ID was already persisted for this
	// conversation is a no-op that returns the original sequence id.
	InsertMessage(ctx context.Context, conversationID string, msg models.Message) (sequenceID uint64, err error)

	// UpsertState replaces the conversation's runtime-state row
	// atomically; partial writes are forbidden.
	UpsertState(ctx context.Context, conversationID string, state models.ConvState) error

	// LoadState returns the persisted runtime state, or ok=false if the
	// conversation has never transitioned (a fresh conversation is
	// implicitly Idle).
	LoadState(ctx context.Context, conversationID string) (state models.ConvState, ok bool, err error)

	// LoadMessages returns every message with SequenceID > afterSeq, in
	// sequence order. afterSeq=0 returns the full log.
	LoadMessages(ctx context.Context, conversationID string, afterSeq uint64) ([]models.Message, error)

	// MaxSequenceID returns the highest sequence id persisted so far, 0
	// if none.
	MaxSequenceID(ctx context.Context, conversationID string) (uint64, error)

	// GetConversation loads a conversation's identity row.
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)

	// MarkConversation applies a rename/archive/delete.
	MarkConversation(ctx context.Context, conversationID string, mark Mark) error

	// CreateChild inserts a new conversation row with a parent pointer
	// and its initial user message, returning the new id.
	CreateChild(ctx context.Context, req CreateChildRequest) (conversationID string, err error)

	// Lock acquires the per-conversation advisory lock for the duration
	// of one transition's effects. The returned func releases it and
	// must always be called.
	Lock(ctx context.Context, conversationID string) (unlock func(), err error)
}
