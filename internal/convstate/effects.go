package convstate

import (
	"time"

	"github.com/haasonsaas/convcore/pkg/models"
)

// EffectKind discriminates an Effect's populated payload field.
type EffectKind string

const (
	EffectPersistMessage     EffectKind = "persist_message"
	EffectPersistState       EffectKind = "persist_state"
	EffectRequestLlm         EffectKind = "request_llm"
	EffectExecuteTool        EffectKind = "execute_tool"
	EffectSpawnSubAgent      EffectKind = "spawn_sub_agent"
	EffectNotifyClient       EffectKind = "notify_client"
	EffectScheduleRetry      EffectKind = "schedule_retry"
	EffectPersistToolResults EffectKind = "persist_tool_results"
)

// Effect is a descriptor of an externally observable action; transition
// never performs it, it only appends one to the returned list. Exactly
// one payload field is populated, selected by Kind.
type Effect struct {
	Kind EffectKind

	PersistMessage     *PersistMessageEffect
	PersistState       *PersistStateEffect
	RequestLlm         *RequestLlmEffect
	ExecuteTool        *ExecuteToolEffect
	SpawnSubAgent      *SpawnSubAgentEffect
	NotifyClient       *NotifyClientEffect
	ScheduleRetry      *ScheduleRetryEffect
	PersistToolResults *PersistToolResultsEffect
}

// PersistMessageEffect asks the executor to append one message row.
type PersistMessageEffect struct {
	Message models.Message
}

// PersistStateEffect asks the executor to upsert the runtime-state row.
type PersistStateEffect struct {
	State models.ConvState
}

// RequestLlmEffect asks the executor to materialize the prompt from the
// persisted message log and call the model client. Attempt is carried so
// the resulting LlmError/LlmResponse* event can be matched back to the
// request that produced it.
type RequestLlmEffect struct {
	Attempt int
}

// ExecuteToolEffect asks the executor to run one tool call.
type ExecuteToolEffect struct {
	Call models.ToolCall
}

// SpawnSubAgentEffect asks the executor to create a child conversation and
// enqueue its initial user message.
type SpawnSubAgentEffect struct {
	Handle models.SubAgentHandle
}

// NotifyClientKind discriminates which client-facing event to publish.
type NotifyClientKind string

const (
	NotifyClientMessage     NotifyClientKind = "message"
	NotifyClientStateChange NotifyClientKind = "state_change"
	NotifyClientAgentDone   NotifyClientKind = "agent_done"
)

// NotifyClientEffect asks the executor to publish one event to the
// notifier. Never blocks on absent subscribers.
type NotifyClientEffect struct {
	Kind    NotifyClientKind
	Message *models.Message
	State   *models.ConvState
}

// ScheduleRetryEffect arms a cancellable timer; on fire the executor
// re-enqueues RequestLlm with Attempt.
type ScheduleRetryEffect struct {
	Delay   time.Duration
	Attempt int
}

// PersistToolResultsEffect is the batch variant of PersistMessageEffect
// for the aggregated tool-result messages that close out a ToolExecuting
// or AwaitingSubAgents step, or a cancellation drain. Each entry is its
// own Tool-kind message, since exactly one tool message exists per
// tool-use id.
type PersistToolResultsEffect struct {
	Messages []models.Message
}
