// Package convexec interprets the effect descriptors convstate.Transition
// returns. Transition itself never performs I/O; Executor is where every
// PersistMessage, PersistState, RequestLlm, ExecuteTool, SpawnSubAgent,
// NotifyClient, and ScheduleRetry effect actually runs, producing the
// Events that feed back into the next Transition call.
package convexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/convcore/internal/convmodel"
	"github.com/haasonsaas/convcore/internal/convstate"
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/internal/convtools"
	"github.com/haasonsaas/convcore/internal/idgen"
	"github.com/haasonsaas/convcore/internal/infra"
	"github.com/haasonsaas/convcore/internal/observability"
	"github.com/haasonsaas/convcore/internal/subagent"
	"github.com/haasonsaas/convcore/pkg/models"
)

// spawnToolName is the distinguished tool name spec.md §4.2 calls "the
// spawn sub-agents tool": an LLM response carrying a tool-use block with
// this name is classified as LlmResponseSpawnAgents rather than
// LlmResponseToolUse.
const spawnToolName = "spawn_sub_agents"

// spawnTask is the input schema the model is prompted to fill in for
// spawnToolName: one entry per child conversation to create.
type spawnTask struct {
	TaskPrompt string `json:"task_prompt"`
	Model      string `json:"model,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// EffectError reports that one attempt at executing an effect failed.
// Attempt lets the caller correlate a retried RequestLlm's failures with
// the attempt number convstate tracks internally.
type EffectError struct {
	Effect  convstate.EffectKind
	Attempt int
	Err     error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("convexec: %s (attempt %d): %v", e.Effect, e.Attempt, e.Err)
}
func (e *EffectError) Unwrap() error { return e.Err }

// Notifier publishes one client-facing event. Implementations must never
// block on an absent or slow subscriber (spec.md §4.2's NotifyClient
// semantics) — internal/convnotify's ring-buffer notifier satisfies this
// by dropping to a bounded buffer rather than blocking the executor.
type Notifier interface {
	Publish(conversationID string, effect convstate.NotifyClientEffect)
}

// Executor turns effect descriptors into I/O and, for the effects that
// have a follow-up event, delivers it through emit rather than returning
// it — RequestLlm/ExecuteTool/SpawnSubAgent/ScheduleRetry all complete
// asynchronously relative to the call that started them (a tool may run
// for seconds, a sub-agent for minutes), so there is no single
// synchronous return value to hand back the way Transition does.
type Executor struct {
	Storage  convstore.Storage
	Model    convmodel.ModelClient
	Tools    *convtools.Registry
	SubAgent *subagent.Coordinator

	Notifier Notifier
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *observability.Logger

	// Ids mints the child-conversation id a SpawnAgents classification
	// bakes into the event before the SpawnSubAgent effect actually
	// creates the row (see subagent.SpawnRequest.DesiredAgentID).
	Ids idgen.Ids

	ToolPool *infra.WorkerPool[toolJob, toolResult]

	// Retries tracks outstanding ScheduleRetry timers so a later
	// Cancelling transition can stop one before it fires.
	Retries *pendingRetries

	// SystemPrompt is prefixed to every RequestLlm call's materialized
	// prompt. MaxTokens bounds the model's response.
	SystemPrompt string
	MaxTokens    int
	ToolSpecs    []convmodel.ToolSpec
}

type toolJob struct {
	conversationID string
	workingDir     string
	call           models.ToolCall
}

type toolResult struct {
	result models.ToolResult
}

// NewExecutor wires a bounded tool-execution pool (spec.md §5's resource
// model caps concurrent tool execution per process, not per
// conversation) on top of the given dependencies.
func NewExecutor(storage convstore.Storage, model convmodel.ModelClient, tools *convtools.Registry, subAgent *subagent.Coordinator, notifier Notifier, metrics *observability.Metrics, tracer *observability.Tracer, logger *observability.Logger, toolWorkers int) *Executor {
	e := &Executor{
		Storage:   storage,
		Model:     model,
		Tools:     tools,
		SubAgent:  subAgent,
		Notifier:  notifier,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    logger,
		Ids:       idgen.UUIDs{},
		Retries:   newPendingRetries(),
		MaxTokens: 4096,
		ToolSpecs: toolSpecsFor(tools),
	}
	e.ToolPool = infra.NewWorkerPool(infra.WorkerPoolConfig[toolJob, toolResult]{
		Workers:   toolWorkers,
		QueueSize: 256,
		Processor: e.runToolJob,
	})
	e.ToolPool.Start()
	return e
}

// spawnToolSchema advertises spawnToolName to the model: an array of
// tasks, each describing one child conversation to create.
var spawnToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"task_prompt": {"type": "string"},
					"model": {"type": "string"},
					"working_dir": {"type": "string"}
				},
				"required": ["task_prompt"]
			}
		}
	},
	"required": ["tasks"]
}`)

func toolSpecsFor(tools *convtools.Registry) []convmodel.ToolSpec {
	registered := tools.Specs()
	specs := make([]convmodel.ToolSpec, 0, len(registered)+1)
	for _, s := range registered {
		specs = append(specs, convmodel.ToolSpec{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema})
	}
	specs = append(specs, convmodel.ToolSpec{
		Name:        spawnToolName,
		Description: "Delegate one or more independent sub-tasks to fresh child conversations and wait for their results.",
		InputSchema: spawnToolSchema,
	})
	return specs
}

// Emit delivers one Event back to the conversation's supervisor loop.
// internal/convrun supplies the concrete implementation (enqueuing onto
// the conversation's serialized input channel); convexec only needs the
// shape, not the queue itself, to stay free of a dependency on convrun.
type Emit func(conversationID string, event convstate.Event)

// Run executes one effect. emit is called zero or more times with any
// follow-up events the effect produces; Run itself only returns an error
// for effects whose failure has no corresponding event path (there are
// none today — every failure is funneled through emit per spec.md §4.2
// so the state machine has one path into Error — but Run still returns
// the raw error too, for logging at the call site).
func (e *Executor) Run(ctx context.Context, conversationID string, convCtx convstate.Context, effect convstate.Effect, emit Emit) error {
	switch effect.Kind {
	case convstate.EffectPersistMessage:
		return e.runPersistMessage(ctx, conversationID, effect.PersistMessage, emit)
	case convstate.EffectPersistToolResults:
		return e.runPersistToolResults(ctx, conversationID, effect.PersistToolResults, emit)
	case convstate.EffectPersistState:
		return e.runPersistState(ctx, conversationID, effect.PersistState, emit)
	case convstate.EffectNotifyClient:
		e.Notifier.Publish(conversationID, *effect.NotifyClient)
		return nil
	case convstate.EffectRequestLlm:
		return e.runRequestLlm(ctx, conversationID, convCtx, effect.RequestLlm, emit)
	case convstate.EffectExecuteTool:
		return e.runExecuteTool(ctx, conversationID, convCtx, effect.ExecuteTool, emit)
	case convstate.EffectSpawnSubAgent:
		return e.runSpawnSubAgent(ctx, conversationID, effect.SpawnSubAgent, emit)
	case convstate.EffectScheduleRetry:
		e.runScheduleRetry(ctx, conversationID, effect.ScheduleRetry, emit)
		return nil
	default:
		return fmt.Errorf("convexec: unknown effect kind %q", effect.Kind)
	}
}

func (e *Executor) runPersistMessage(ctx context.Context, conversationID string, eff *convstate.PersistMessageEffect, emit Emit) error {
	start := time.Now()
	_, err := e.Storage.InsertMessage(ctx, conversationID, eff.Message)
	e.observeEffect(convstate.EffectPersistMessage, start, err)
	if err != nil {
		emit(conversationID, persistenceFailure(err))
		return &EffectError{Effect: convstate.EffectPersistMessage, Err: err}
	}
	return nil
}

func (e *Executor) runPersistToolResults(ctx context.Context, conversationID string, eff *convstate.PersistToolResultsEffect, emit Emit) error {
	start := time.Now()
	for _, msg := range eff.Messages {
		if _, err := e.Storage.InsertMessage(ctx, conversationID, msg); err != nil {
			e.observeEffect(convstate.EffectPersistToolResults, start, err)
			emit(conversationID, persistenceFailure(err))
			return &EffectError{Effect: convstate.EffectPersistToolResults, Err: err}
		}
	}
	e.observeEffect(convstate.EffectPersistToolResults, start, nil)
	return nil
}

func (e *Executor) runPersistState(ctx context.Context, conversationID string, eff *convstate.PersistStateEffect, emit Emit) error {
	start := time.Now()
	err := e.Storage.UpsertState(ctx, conversationID, eff.State)
	e.observeEffect(convstate.EffectPersistState, start, err)
	if err != nil {
		emit(conversationID, persistenceFailure(err))
		return &EffectError{Effect: convstate.EffectPersistState, Err: err}
	}
	return nil
}

func persistenceFailure(err error) convstate.Event {
	return convstate.Event{
		Kind: convstate.EventLlmError,
		LlmError: &convstate.LlmErrorEvent{
			Kind:    convstate.LlmErrorPersistence,
			Message: err.Error(),
		},
	}
}

func (e *Executor) observeEffect(kind convstate.EffectKind, start time.Time, err error) {
	if e.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.Metrics.EffectDuration(string(kind)).Observe(time.Since(start).Seconds())
	e.Metrics.EffectExecuted(string(kind), status)
}
