package convstate

import "github.com/haasonsaas/convcore/pkg/models"

// EventKind discriminates an Event's populated payload field.
type EventKind string

const (
	EventUserMessage            EventKind = "user_message"
	EventUserCancel             EventKind = "user_cancel"
	EventLlmResponseText        EventKind = "llm_response_text"
	EventLlmResponseToolUse     EventKind = "llm_response_tool_use"
	EventLlmResponseSpawnAgents EventKind = "llm_response_spawn_agents"
	EventLlmError               EventKind = "llm_error"
	EventLlmRetry               EventKind = "llm_retry"
	EventToolCompleted          EventKind = "tool_completed"
	EventSubAgentCompleted      EventKind = "sub_agent_completed"
	EventCancelAck              EventKind = "cancel_ack"
)

// Event is the input alphabet of transition. Exactly one payload field is
// populated, selected by Kind.
type Event struct {
	Kind EventKind

	UserMessage            *UserMessageEvent
	LlmResponseText        *LlmResponseTextEvent
	LlmResponseToolUse     *LlmResponseToolUseEvent
	LlmResponseSpawnAgents *LlmResponseSpawnAgentsEvent
	LlmError               *LlmErrorEvent
	LlmRetry               *LlmRetryEvent
	ToolCompleted          *ToolCompletedEvent
	SubAgentCompleted      *SubAgentCompletedEvent
	CancelAck              *CancelAckEvent
}

// UserMessageEvent is external user input.
type UserMessageEvent struct {
	Text   string
	Images []models.InlineImage
}

// LlmResponseTextEvent is a text-only model response.
type LlmResponseTextEvent struct {
	Text  string
	Usage models.Usage
}

// LlmResponseToolUseEvent is a model response carrying one or more tool
// calls, in the order the content blocks appeared.
type LlmResponseToolUseEvent struct {
	Text  string
	Calls []models.ToolCall
	Usage models.Usage
}

// LlmResponseSpawnAgentsEvent is a model response carrying the
// distinguished spawn-sub-agents tool. OtherCalls carries any non-spawn
// tool intents that accompanied it; per the spawn-wins tie-break they are
// never executed, only superseded.
type LlmResponseSpawnAgentsEvent struct {
	Text       string
	Handles    []models.SubAgentHandle
	OtherCalls []models.ToolCall
	Usage      models.Usage
}

// LlmErrorKind classifies why an LLM call failed, matching §7's
// taxonomy for the subset that reaches the state machine as LlmError.
type LlmErrorKind string

const (
	// LlmErrorRetryable is consumed internally up to the attempt cap.
	LlmErrorRetryable LlmErrorKind = "retryable"
	// LlmErrorFatal transitions the conversation to Error immediately.
	LlmErrorFatal LlmErrorKind = "fatal"
	// LlmErrorPersistence reports a PersistMessage/PersistState/
	// PersistToolResults failure funneled back through the same event
	// so the state machine has one path into Error.
	LlmErrorPersistence LlmErrorKind = "persistence"
)

// LlmErrorEvent reports a failed LLM call or persistence write.
type LlmErrorEvent struct {
	Kind    LlmErrorKind
	Message string
}

// LlmRetryEvent reports that the retry policy admitted another attempt.
// In this implementation ScheduleRetry's timer firing is what produces
// this event; transition never needs to recompute eligibility itself.
type LlmRetryEvent struct {
	Attempt int
}

// ToolCompletedEvent is one finished tool execution.
type ToolCompletedEvent struct {
	ToolUseID string
	Result    models.ToolResult
}

// SubAgentCompletedEvent is a child conversation reaching a terminal
// state.
type SubAgentCompletedEvent struct {
	AgentID string
	Outcome models.SubAgentOutcome
}

// CancelAckEvent reports that cancellation drain completed for the
// in-flight operation. Synthetic carries any synthesized tool/spawn
// results produced while draining.
type CancelAckEvent struct {
	Synthetic []models.ToolResult
}
