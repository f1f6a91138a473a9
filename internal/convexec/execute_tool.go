package convexec

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/convcore/internal/convstate"
	"github.com/haasonsaas/convcore/internal/infra"
	"github.com/haasonsaas/convcore/pkg/models"
)

// runExecuteTool submits one tool call to the bounded worker pool and
// wires its eventual result back through emit as ToolCompleted. Panics
// inside a tool body are recovered into an is_error result rather than
// propagated, per spec.md §4.2's ExecuteTool semantics — a misbehaving
// tool must never take down the conversation loop. Per-call timeouts are
// the tool's own responsibility (convtools.ShellTool enforces one); the
// pool itself does not impose one since tool run times vary widely.
func (e *Executor) runExecuteTool(ctx context.Context, conversationID string, convCtx convstate.Context, eff *convstate.ExecuteToolEffect, emit Emit) error {
	jobID := conversationID + ":" + eff.Call.ID
	job := infra.Job[toolJob]{
		ID:      jobID,
		Data:    toolJob{conversationID: conversationID, workingDir: convCtx.WorkingDir, call: eff.Call},
		Context: ctx,
	}

	e.logToolEvent(ctx, models.ToolEvent{
		ToolCallID: eff.Call.ID,
		ToolName:   eff.Call.Name,
		Stage:      models.ToolEventRequested,
		Input:      eff.Call.Input,
		StartedAt:  time.Now(),
	})

	go func() {
		res, err := e.ToolPool.SubmitWait(ctx, job)
		result := res.result
		if err != nil {
			result = errorToolResult(eff.Call.ID, err.Error())
		}
		emit(conversationID, convstate.Event{Kind: convstate.EventToolCompleted, ToolCompleted: &convstate.ToolCompletedEvent{ToolUseID: eff.Call.ID, Result: result}})
	}()
	return nil
}

// logToolEvent emits ev through the executor's logger for tool-lifecycle
// observability. A nil Logger (the zero value used by tests that don't
// exercise logging) makes this a no-op rather than a panic.
func (e *Executor) logToolEvent(ctx context.Context, ev models.ToolEvent) {
	if e.Logger == nil {
		return
	}
	args := []any{
		"tool_call_id", ev.ToolCallID,
		"tool_name", ev.ToolName,
		"stage", string(ev.Stage),
	}
	if ev.Attempt > 0 {
		args = append(args, "attempt", ev.Attempt)
	}
	if ev.PolicyReason != "" {
		args = append(args, "policy_reason", ev.PolicyReason)
	}
	if !ev.StartedAt.IsZero() && !ev.FinishedAt.IsZero() {
		args = append(args, "duration_ms", ev.FinishedAt.Sub(ev.StartedAt).Milliseconds())
	}
	if ev.Error != "" {
		e.Logger.Error(ctx, "tool event", append(args, "error", ev.Error)...)
		return
	}
	e.Logger.Info(ctx, "tool event", args...)
}

func (e *Executor) runToolJob(ctx context.Context, job toolJob) (result toolResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = toolResult{result: errorToolResult(job.call.ID, fmt.Sprintf("tool panicked: %v", r))}
			err = nil
			e.logToolEvent(ctx, models.ToolEvent{
				ToolCallID: job.call.ID, ToolName: job.call.Name, Stage: models.ToolEventFailed,
				Error: result.result.Payload.Text, StartedAt: start, FinishedAt: time.Now(),
			})
		}
	}()

	e.logToolEvent(ctx, models.ToolEvent{
		ToolCallID: job.call.ID, ToolName: job.call.Name, Stage: models.ToolEventStarted, StartedAt: start,
	})

	tool, ok := e.Tools.Lookup(job.call.Name)
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", job.call.Name)
		e.logToolEvent(ctx, models.ToolEvent{
			ToolCallID: job.call.ID, ToolName: job.call.Name, Stage: models.ToolEventFailed,
			Error: msg, StartedAt: start, FinishedAt: time.Now(),
		})
		return toolResult{result: errorToolResult(job.call.ID, msg)}, nil
	}
	if err := e.Tools.Validate(job.call.Name, job.call.Input); err != nil {
		e.logToolEvent(ctx, models.ToolEvent{
			ToolCallID: job.call.ID, ToolName: job.call.Name, Stage: models.ToolEventDenied,
			PolicyReason: err.Error(), StartedAt: start, FinishedAt: time.Now(),
		})
		return toolResult{result: errorToolResult(job.call.ID, err.Error())}, nil
	}

	res, execErr := tool.Execute(ctx, job.workingDir, job.call)
	finished := time.Now()
	if e.Metrics != nil {
		status := "ok"
		if execErr != nil || res.IsError {
			status = "error"
		}
		e.Metrics.RecordToolExecution(job.call.Name, status, finished.Sub(start).Seconds())
	}
	if execErr != nil {
		e.logToolEvent(ctx, models.ToolEvent{
			ToolCallID: job.call.ID, ToolName: job.call.Name, Stage: models.ToolEventFailed,
			Error: execErr.Error(), StartedAt: start, FinishedAt: finished,
		})
		return toolResult{result: errorToolResult(job.call.ID, execErr.Error())}, nil
	}
	stage := models.ToolEventSucceeded
	errMsg := ""
	if res.IsError {
		stage = models.ToolEventFailed
		errMsg = res.Payload.Text
	}
	e.logToolEvent(ctx, models.ToolEvent{
		ToolCallID: job.call.ID, ToolName: job.call.Name, Stage: stage,
		Error: errMsg, StartedAt: start, FinishedAt: finished,
	})
	return toolResult{result: res}, nil
}

func errorToolResult(toolUseID, message string) models.ToolResult {
	return models.ToolResult{
		ToolUseID: toolUseID,
		IsError:   true,
		Payload:   models.ResultPayload{Kind: models.ResultKindText, Text: message},
	}
}
