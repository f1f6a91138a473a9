package models

import "encoding/json"

// ConvStateKind discriminates ConvState's populated variant field. Unknown
// kinds loaded from storage MUST be refused, not silently coerced.
type ConvStateKind string

const (
	ConvStateIdle              ConvStateKind = "idle"
	ConvStateAwaitingLlm       ConvStateKind = "awaiting_llm"
	ConvStateLlmRequesting     ConvStateKind = "llm_requesting"
	ConvStateToolExecuting     ConvStateKind = "tool_executing"
	ConvStateAwaitingSubAgents ConvStateKind = "awaiting_sub_agents"
	ConvStateCancelling        ConvStateKind = "cancelling"
	ConvStateError             ConvStateKind = "error"
)

// ConvState is the tagged union persisted whenever the runtime transitions
// (invariant 8). Exactly one of the variant fields is populated, selected
// by Kind; Idle carries no payload.
type ConvState struct {
	Kind ConvStateKind `json:"kind"`

	AwaitingLlm       *AttemptState           `json:"awaiting_llm,omitempty"`
	LlmRequesting     *AttemptState           `json:"llm_requesting,omitempty"`
	ToolExecuting     *ToolExecutingState     `json:"tool_executing,omitempty"`
	AwaitingSubAgents *AwaitingSubAgentsState `json:"awaiting_sub_agents,omitempty"`
	Cancelling        *CancellingState        `json:"cancelling,omitempty"`
	Error             *ErrorState             `json:"error,omitempty"`
}

// Idle is the well-formed Idle-kind state, ready for new user input.
func Idle() ConvState {
	return ConvState{Kind: ConvStateIdle}
}

// IsCancellable reports whether a UserCancel event is meaningful from this
// state. Idle and Error are the two states where cancel is a no-op.
func (s ConvState) IsCancellable() bool {
	switch s.Kind {
	case ConvStateIdle, ConvStateError, ConvStateCancelling:
		return false
	default:
		return true
	}
}

// AttemptState holds the retry attempt counter for AwaitingLlm and
// LlmRequesting. The counter resets to 1 on each new user turn and grows
// only across retries of the same LLM call (invariant 6).
type AttemptState struct {
	Attempt int `json:"attempt"`
}

// ToolCall is a single tool-use intent carried by an agent message.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one executed tool call, keyed by the
// tool-use id it answers.
type ToolResult struct {
	ToolUseID string           `json:"tool_use_id"`
	IsError   bool             `json:"is_error"`
	Payload   ResultPayload    `json:"payload"`
	Display   *DisplayArtifact `json:"display,omitempty"`
}

// ToolExecutingState serializes execution of the tool calls carried by the
// most recent agent message. Current.ID is never present in Remaining or
// in Completed (invariant 1); the union of Current, Remaining, and
// Completed ids always equals the tool_use ids of that message
// (invariant 2, testable property 6).
type ToolExecutingState struct {
	Current   ToolCall     `json:"current"`
	Remaining []ToolCall   `json:"remaining"`
	Completed []ToolResult `json:"completed"`
}

// SubAgentHandle references a spawned child conversation awaiting
// completion. ToolUseID is the tool-use id of the spawn-sub-agents
// content block that created it, so the child's eventual outcome can be
// fed back as the tool result that block is still waiting on.
type SubAgentHandle struct {
	AgentID    string `json:"agent_id"`
	ToolUseID  string `json:"tool_use_id"`
	TaskPrompt string `json:"task_prompt"`
}

// SubAgentOutcome is a child conversation's terminal result.
type SubAgentOutcome struct {
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SubAgentResult carries a completed child's outcome for linkage back into
// the parent's tool-result aggregation.
type SubAgentResult struct {
	AgentID   string          `json:"agent_id"`
	ToolUseID string          `json:"tool_use_id"`
	Outcome   SubAgentOutcome `json:"outcome"`
}

// AwaitingSubAgentsState tracks one or more spawned child conversations.
// Pending and Completed partition the spawned set; no id appears in both
// (invariant 5). Superseded carries any non-spawn tool calls that shared
// the agent message with the spawn intent; per the spawn-wins tie-break
// they are never executed and their results are synthesized once the
// last pending child reports.
type AwaitingSubAgentsState struct {
	Pending    []SubAgentHandle `json:"pending"`
	Completed  []SubAgentResult `json:"completed"`
	Superseded []ToolCall       `json:"superseded,omitempty"`
}

// CancellingState records the working state a cancel was requested from,
// so CancelAck knows which cleanup semantics apply.
type CancellingState struct {
	From ConvStateKind `json:"from"`
}

// ErrorKind classifies a non-recoverable failure surfaced to Error.
//
// Tool failures never land here: they become a tool-result message with
// is_error=true and the conversation keeps running so the model can
// self-correct. Only a fatal or retry-exhausted LLM call, or a
// persistence failure, forces the conversation into Error.
type ErrorKind string

const (
	ErrorKindLLM         ErrorKind = "llm"
	ErrorKindPersistence ErrorKind = "persistence"
)

// ErrorState is a non-recoverable failure; only a user message may resume
// the conversation from here.
type ErrorState struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}
