package convexec

import (
	"context"
	"fmt"

	"github.com/haasonsaas/convcore/internal/convstate"
	"github.com/haasonsaas/convcore/internal/subagent"
	"github.com/haasonsaas/convcore/pkg/models"
)

// runSpawnSubAgent actually creates the child conversation the
// LlmResponseSpawnAgents classification already minted an id for
// (eff.Handle.AgentID), then subscribes so the child's eventual outcome
// is delivered back as SubAgentCompleted. A spawn failure (depth cap,
// storage error) is folded into a failed SubAgentCompleted rather than a
// distinct error path, since spec.md's AwaitingSubAgents aggregation
// already knows how to fold one failed child into the batch without
// forcing the whole conversation to Error.
func (e *Executor) runSpawnSubAgent(ctx context.Context, conversationID string, eff *convstate.SpawnSubAgentEffect, emit Emit) error {
	handle := eff.Handle

	if e.Tracer != nil {
		spanCtx, span := e.Tracer.TraceSubAgentSpawn(ctx, conversationID, handle.AgentID)
		ctx = spanCtx
		defer span.End()
	}

	spawned, err := e.SubAgent.Spawn(ctx, subagent.SpawnRequest{
		ParentConversationID: conversationID,
		ToolUseID:            handle.ToolUseID,
		TaskPrompt:           handle.TaskPrompt,
		DesiredAgentID:       handle.AgentID,
	})
	if err != nil {
		emit(conversationID, subAgentFailed(handle, err))
		return &EffectError{Effect: convstate.EffectSpawnSubAgent, Err: err}
	}

	if e.Metrics != nil {
		e.Metrics.RuntimeSpawned()
	}

	err = e.SubAgent.Subscribe(ctx, spawned.AgentID, func(outcome models.SubAgentOutcome) {
		e.SubAgent.Release(spawned.AgentID)
		emit(conversationID, convstate.Event{
			Kind: convstate.EventSubAgentCompleted,
			SubAgentCompleted: &convstate.SubAgentCompletedEvent{
				AgentID: spawned.AgentID,
				Outcome: outcome,
			},
		})
	})
	if err != nil {
		emit(conversationID, subAgentFailed(handle, err))
		return &EffectError{Effect: convstate.EffectSpawnSubAgent, Err: err}
	}
	return nil
}

func subAgentFailed(handle models.SubAgentHandle, err error) convstate.Event {
	return convstate.Event{
		Kind: convstate.EventSubAgentCompleted,
		SubAgentCompleted: &convstate.SubAgentCompletedEvent{
			AgentID: handle.AgentID,
			Outcome: models.SubAgentOutcome{Success: false, Error: fmt.Sprintf("spawn failed: %v", err)},
		},
	}
}
