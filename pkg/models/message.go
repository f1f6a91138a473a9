package models

import (
	"encoding/json"
	"time"
)

// MessageKind discriminates a Message's populated content field.
type MessageKind string

const (
	MessageKindUser  MessageKind = "user"
	MessageKindAgent MessageKind = "agent"
	MessageKindTool  MessageKind = "tool"
)

// Message is an append-only record attached to a conversation. SequenceID
// is assigned at persist time and is never reused or reordered (invariant
// 4); messages are never mutated after persistence.
//
// Exactly one of User, Agent, Tool is populated, selected by Kind.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SequenceID     uint64      `json:"sequence_id"`
	Kind           MessageKind `json:"kind"`

	User  *UserContent  `json:"user,omitempty"`
	Agent *AgentContent `json:"agent,omitempty"`
	Tool  *ToolContent  `json:"tool,omitempty"`

	Usage     *Usage    `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage carries token accounting attached to agent messages and LLM
// responses.
type Usage struct {
	InputTokens         int `json:"input_tokens,omitempty"`
	OutputTokens        int `json:"output_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// UserContent is free-form text plus an optional ordered list of inline
// images.
type UserContent struct {
	Text   string        `json:"text"`
	Images []InlineImage `json:"images,omitempty"`
}

// InlineImage is a base64-encoded image attached to a user message.
type InlineImage struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}

// AgentContent is an ordered list of content blocks produced by a single
// LLM response.
type AgentContent struct {
	Blocks []ContentBlock `json:"blocks"`
}

// ContentBlockKind discriminates a ContentBlock's populated field. This is
// the closed sum type spec.md §9 calls for: UserContent | AgentContent |
// ToolContent at the message level, with AgentContent further closed over
// text and tool-use blocks.
type ContentBlockKind string

const (
	ContentBlockText    ContentBlockKind = "text"
	ContentBlockToolUse ContentBlockKind = "tool_use"
)

// ContentBlock is either a text segment or a tool-use intent.
type ContentBlock struct {
	Kind    ContentBlockKind `json:"kind"`
	Text    string           `json:"text,omitempty"`
	ToolUse *ToolUseBlock    `json:"tool_use,omitempty"`
}

// ToolUseBlock carries a fresh unique tool-use id, a tool name, and a
// schema-free input document. The input is validated against the tool's
// registered schema at execution boundary time, not at load time.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ResultKind discriminates a ResultPayload's populated field.
type ResultKind string

const (
	ResultKindText ResultKind = "text"
	ResultKindJSON ResultKind = "json"
)

// ResultPayload is a tool's success or error payload: text or JSON.
type ResultPayload struct {
	Kind ResultKind      `json:"kind"`
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// DisplayArtifactKind discriminates a DisplayArtifact's populated field.
type DisplayArtifactKind string

const (
	DisplayArtifactText  DisplayArtifactKind = "text"
	DisplayArtifactJSON  DisplayArtifactKind = "json"
	DisplayArtifactImage DisplayArtifactKind = "image"
)

// DisplayArtifact is typed tool output meant for rendering rather than
// feeding back to the model verbatim (e.g. a screenshot a shell command
// produced).
type DisplayArtifact struct {
	Kind          DisplayArtifactKind `json:"kind"`
	Text          string              `json:"text,omitempty"`
	JSON          json.RawMessage     `json:"json,omitempty"`
	ImageBase64   string              `json:"image_base64,omitempty"`
	ImageMimeType string              `json:"image_mime_type,omitempty"`
}

// ToolContent is a result keyed by the tool-use id it answers. Exactly one
// tool message exists per tool-use id (invariant 2).
type ToolContent struct {
	ToolUseID string           `json:"tool_use_id"`
	IsError   bool             `json:"is_error"`
	Payload   ResultPayload    `json:"payload"`
	Display   *DisplayArtifact `json:"display,omitempty"`
}
