// Package models provides the persisted domain types shared by the
// conversation runtime core: conversations, messages, and runtime state.
package models

import (
	"regexp"
	"time"
)

// slugPattern matches the conversation slug format: lowercase letters,
// digits, and hyphens, checked at the storage boundary rather than inside
// the transition function.
var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidSlug reports whether slug satisfies the conversation slug format.
func ValidSlug(slug string) bool {
	return slug != "" && slugPattern.MatchString(slug)
}

// Conversation is the top-level persisted entity the runtime core operates
// on. Created once; WorkingDir is immutable thereafter. Destroyed only by
// an explicit delete.
type Conversation struct {
	ID         string    `json:"id"`
	Slug       string    `json:"slug"`
	WorkingDir string    `json:"working_dir"`
	ModelID    string    `json:"model_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Archived   bool      `json:"archived"`

	// ParentID references the conversation that spawned this one via the
	// sub-agent spawn tool, empty for a root conversation.
	ParentID string `json:"parent_id,omitempty"`

	// SequenceCounter is the highest message sequence id assigned so far;
	// the next inserted message gets SequenceCounter+1.
	SequenceCounter uint64 `json:"sequence_counter"`

	// State is the latest persisted runtime state, upserted after every
	// transition per invariant 8.
	State ConvState `json:"state"`
}
