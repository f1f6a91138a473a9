package convexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/convcore/internal/convmodel"
	"github.com/haasonsaas/convcore/internal/convstate"
	"github.com/haasonsaas/convcore/pkg/models"
)

// runRequestLlm materializes the prompt from the persisted message log
// (never from in-memory state, per spec.md §4.2), calls the model, and
// classifies the response into one of
// LlmResponseText|LlmResponseToolUse|LlmResponseSpawnAgents|LlmError.
// Classification — not the ModelClient — owns the spawnToolName
// convention, since the client has no reason to know it.
func (e *Executor) runRequestLlm(ctx context.Context, conversationID string, convCtx convstate.Context, eff *convstate.RequestLlmEffect, emit Emit) error {
	start := time.Now()

	if e.Tracer != nil {
		spanCtx, span := e.Tracer.TraceLLMRequest(ctx, "anthropic", convCtx.ModelID, conversationID, eff.Attempt)
		ctx = spanCtx
		defer span.End()
	}

	messages, err := e.Storage.LoadMessages(ctx, conversationID, 0)
	if err != nil {
		e.observeEffect(convstate.EffectRequestLlm, start, err)
		emit(conversationID, llmFatal(fmt.Errorf("convexec: load messages: %w", err)))
		return &EffectError{Effect: convstate.EffectRequestLlm, Attempt: eff.Attempt, Err: err}
	}

	resp, err := e.Model.Complete(ctx, convmodel.Request{
		Model:     convCtx.ModelID,
		System:    e.SystemPrompt,
		Messages:  messages,
		Tools:     e.ToolSpecs,
		MaxTokens: e.MaxTokens,
	})
	if err != nil {
		e.observeEffect(convstate.EffectRequestLlm, start, err)
		if e.Metrics != nil {
			e.Metrics.RecordLLMRequest("anthropic", convCtx.ModelID, "error", time.Since(start).Seconds(), 0, 0)
		}
		if convmodel.IsRetryable(err) {
			emit(conversationID, convstate.Event{Kind: convstate.EventLlmError, LlmError: &convstate.LlmErrorEvent{Kind: convstate.LlmErrorRetryable, Message: err.Error()}})
		} else {
			emit(conversationID, llmFatal(err))
		}
		return &EffectError{Effect: convstate.EffectRequestLlm, Attempt: eff.Attempt, Err: err}
	}

	e.observeEffect(convstate.EffectRequestLlm, start, nil)
	if e.Metrics != nil {
		e.Metrics.RecordLLMRequest("anthropic", convCtx.ModelID, "ok", time.Since(start).Seconds(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	emit(conversationID, e.classify(ctx, conversationID, resp))
	return nil
}

func llmFatal(err error) convstate.Event {
	return convstate.Event{Kind: convstate.EventLlmError, LlmError: &convstate.LlmErrorEvent{Kind: convstate.LlmErrorFatal, Message: err.Error()}}
}

// classify turns a raw model Response into the Event Transition expects,
// splitting out any spawnToolName call and minting the child ids those
// spawns will eventually need (see subagent.SpawnRequest.DesiredAgentID).
func (e *Executor) classify(_ context.Context, _ string, resp convmodel.Response) convstate.Event {
	var spawnCalls []models.ToolCall
	var otherCalls []models.ToolCall
	for _, c := range resp.Calls {
		if c.Name == spawnToolName {
			spawnCalls = append(spawnCalls, c)
		} else {
			otherCalls = append(otherCalls, c)
		}
	}

	if len(spawnCalls) > 0 {
		var handles []models.SubAgentHandle
		for _, call := range spawnCalls {
			var payload struct {
				Tasks []spawnTask `json:"tasks"`
			}
			if err := json.Unmarshal(call.Input, &payload); err != nil || len(payload.Tasks) == 0 {
				// Malformed spawn request: treat as a single task using the
				// raw input as the prompt, so the conversation still makes
				// progress instead of silently dropping the call.
				handles = append(handles, models.SubAgentHandle{
					AgentID:    e.Ids.NewID(),
					ToolUseID:  call.ID,
					TaskPrompt: string(call.Input),
				})
				continue
			}
			for _, task := range payload.Tasks {
				handles = append(handles, models.SubAgentHandle{
					AgentID:    e.Ids.NewID(),
					ToolUseID:  call.ID,
					TaskPrompt: task.TaskPrompt,
				})
			}
		}
		return convstate.Event{
			Kind: convstate.EventLlmResponseSpawnAgents,
			LlmResponseSpawnAgents: &convstate.LlmResponseSpawnAgentsEvent{
				Text:       resp.Text,
				Handles:    handles,
				OtherCalls: otherCalls,
				Usage:      resp.Usage,
			},
		}
	}

	if len(resp.Calls) > 0 {
		return convstate.Event{
			Kind: convstate.EventLlmResponseToolUse,
			LlmResponseToolUse: &convstate.LlmResponseToolUseEvent{
				Text:  resp.Text,
				Calls: resp.Calls,
				Usage: resp.Usage,
			},
		}
	}

	return convstate.Event{
		Kind:            convstate.EventLlmResponseText,
		LlmResponseText: &convstate.LlmResponseTextEvent{Text: resp.Text, Usage: resp.Usage},
	}
}
