// Package convstate implements the conversation runtime's pure state
// machine: a total function from (state, ctx, event) to a new state plus
// an ordered list of effect descriptors. It performs no I/O, holds no
// mutable state across calls, and never panics; every rejection is
// returned as a *TransitionError, leaving the prior state untouched.
//
// The machine operates in five working phases beyond Idle and Error:
//
//	┌──────┐  UserMessage   ┌─────────────┐  (queued)   ┌────────────────┐
//	│ Idle │───────────────▶│ AwaitingLlm │────────────▶│  LlmRequesting │
//	└──────┘                └─────────────┘             └────────────────┘
//	   ▲                           │ text                      │ retryable
//	   │                           ▼                           │ error
//	   │                    ┌──────────┐                       ▼
//	   │                    │   Idle   │              ┌─────────────────┐
//	   │                    └──────────┘              │  LlmRequesting  │
//	   │                           ▲                   │    (a+1)        │
//	   │                tool calls │                   └────────┬────────┘
//	   │                           │                     fatal / cap exhausted
//	   │                  ┌─────────────────┐                   │
//	   │                  │  ToolExecuting  │                   ▼
//	   │                  └─────────────────┘              ┌────────┐
//	   │                           │ spawn tool               │ Error │
//	   │                           ▼                          └────────┘
//	   │                ┌──────────────────────┐                  │
//	   └────────────────│  AwaitingSubAgents   │◀─────────────────┘
//	        UserMessage └──────────────────────┘      UserMessage
//
// UserCancel is accepted from any working phase and lands in Cancelling,
// which only CancelAck can leave, back to Idle.
package convstate

import "github.com/haasonsaas/convcore/pkg/models"

// Transition is the pure transition function. On rejection it returns
// the untouched input state and a non-nil *TransitionError; state never
// becomes invalid as a result of a rejected event.
func Transition(state models.ConvState, ctx Context, event Event) (models.ConvState, []Effect, *TransitionError) {
	switch state.Kind {
	case models.ConvStateIdle:
		return transitionIdleOrError(state, ctx, event)
	case models.ConvStateError:
		return transitionIdleOrError(state, ctx, event)
	case models.ConvStateAwaitingLlm:
		return transitionAwaitingOrRequesting(state, ctx, event, state.AwaitingLlm.Attempt)
	case models.ConvStateLlmRequesting:
		return transitionAwaitingOrRequesting(state, ctx, event, state.LlmRequesting.Attempt)
	case models.ConvStateToolExecuting:
		return transitionToolExecuting(state, ctx, event)
	case models.ConvStateAwaitingSubAgents:
		return transitionAwaitingSubAgents(state, ctx, event)
	case models.ConvStateCancelling:
		return transitionCancelling(state, ctx, event)
	default:
		return state, nil, &TransitionError{Err: ErrStaleResponse, Message: "unknown state kind " + string(state.Kind)}
	}
}

// transitionIdleOrError handles both Idle and Error: a new UserMessage
// starts a turn from either, UserCancel is a no-op, everything else is
// stale.
func transitionIdleOrError(state models.ConvState, ctx Context, event Event) (models.ConvState, []Effect, *TransitionError) {
	switch event.Kind {
	case EventUserMessage:
		msg := newUserMessage(ctx, *event.UserMessage)
		next := models.ConvState{Kind: models.ConvStateAwaitingLlm, AwaitingLlm: &models.AttemptState{Attempt: 1}}
		effects := []Effect{
			persistMessage(msg),
			persistState(next),
			notifyMessage(msg),
			requestLlm(1),
		}
		return next, effects, nil
	case EventUserCancel:
		return state, []Effect{notifyState(state)}, nil
	default:
		return state, nil, rejectStale(state.Kind, event.Kind)
	}
}

// transitionAwaitingOrRequesting handles AwaitingLlm and LlmRequesting
// identically for response events: both represent an LLM call that has
// been dispatched or is about to be, so both accept the same response
// alphabet. Only the retry path (LlmError retryable) distinguishes the
// two by always landing in LlmRequesting, since that is the variant a
// live retry cycle is in.
func transitionAwaitingOrRequesting(state models.ConvState, ctx Context, event Event, attempt int) (models.ConvState, []Effect, *TransitionError) {
	if state.IsCancellable() {
		if c, effects, ok := cancelIfRequested(state, event); ok {
			return c, effects, nil
		}
	}

	switch event.Kind {
	case EventUserMessage:
		return state, nil, rejectBusy()

	case EventLlmResponseText:
		msg := newAgentTextMessage(ctx, event.LlmResponseText.Text, event.LlmResponseText.Usage)
		next := models.Idle()
		effects := []Effect{
			persistMessage(msg),
			persistState(next),
			notifyMessage(msg),
			notifyAgentDone(),
		}
		return next, effects, nil

	case EventLlmResponseToolUse:
		calls := event.LlmResponseToolUse.Calls
		if len(calls) == 0 {
			msg := newAgentTextMessage(ctx, event.LlmResponseToolUse.Text, event.LlmResponseToolUse.Usage)
			next := models.Idle()
			return next, []Effect{persistMessage(msg), persistState(next), notifyMessage(msg), notifyAgentDone()}, nil
		}
		msg := newAgentToolUseMessage(ctx, event.LlmResponseToolUse.Text, calls, event.LlmResponseToolUse.Usage)
		next := models.ConvState{
			Kind: models.ConvStateToolExecuting,
			ToolExecuting: &models.ToolExecutingState{
				Current:   calls[0],
				Remaining: append([]models.ToolCall{}, calls[1:]...),
				Completed: nil,
			},
		}
		effects := []Effect{
			persistMessage(msg),
			persistState(next),
			notifyMessage(msg),
			executeTool(calls[0]),
		}
		return next, effects, nil

	case EventLlmResponseSpawnAgents:
		handles := event.LlmResponseSpawnAgents.Handles
		if len(handles) == 0 {
			msg := newAgentTextMessage(ctx, event.LlmResponseSpawnAgents.Text, event.LlmResponseSpawnAgents.Usage)
			next := models.Idle()
			return next, []Effect{persistMessage(msg), persistState(next), notifyMessage(msg), notifyAgentDone()}, nil
		}
		allCalls := make([]models.ToolCall, 0, len(handles)+len(event.LlmResponseSpawnAgents.OtherCalls))
		for _, h := range handles {
			allCalls = append(allCalls, models.ToolCall{ID: h.ToolUseID, Name: "spawn_sub_agent"})
		}
		allCalls = append(allCalls, event.LlmResponseSpawnAgents.OtherCalls...)
		msg := newAgentToolUseMessage(ctx, event.LlmResponseSpawnAgents.Text, allCalls, event.LlmResponseSpawnAgents.Usage)

		next := models.ConvState{
			Kind: models.ConvStateAwaitingSubAgents,
			AwaitingSubAgents: &models.AwaitingSubAgentsState{
				Pending:    append([]models.SubAgentHandle{}, handles...),
				Completed:  nil,
				Superseded: append([]models.ToolCall{}, event.LlmResponseSpawnAgents.OtherCalls...),
			},
		}
		effects := []Effect{persistMessage(msg), persistState(next), notifyMessage(msg)}
		for _, h := range handles {
			effects = append(effects, spawnSubAgent(h))
		}
		return next, effects, nil

	case EventLlmError:
		return handleLlmError(ctx, attempt, *event.LlmError)

	case EventLlmRetry:
		return state, []Effect{requestLlm(event.LlmRetry.Attempt)}, nil

	default:
		return state, nil, rejectStale(state.Kind, event.Kind)
	}
}

func handleLlmError(ctx Context, attempt int, ev LlmErrorEvent) (models.ConvState, []Effect, *TransitionError) {
	if ev.Kind == LlmErrorRetryable && attempt < ctx.AttemptCap {
		next := models.ConvState{Kind: models.ConvStateLlmRequesting, LlmRequesting: &models.AttemptState{Attempt: attempt + 1}}
		effects := []Effect{
			scheduleRetry(ctx.Delay(attempt), attempt+1),
			persistState(next),
		}
		return next, effects, nil
	}

	kind := models.ErrorKindLLM
	if ev.Kind == LlmErrorPersistence {
		kind = models.ErrorKindPersistence
	}
	errMsg := newAgentTextMessage(ctx, ev.Message, models.Usage{})
	next := models.ConvState{Kind: models.ConvStateError, Error: &models.ErrorState{Message: ev.Message, Kind: kind}}
	effects := []Effect{
		persistMessage(errMsg),
		persistState(next),
		notifyMessage(errMsg),
	}
	return next, effects, nil
}

func transitionToolExecuting(state models.ConvState, ctx Context, event Event) (models.ConvState, []Effect, *TransitionError) {
	if c, effects, ok := cancelIfRequested(state, event); ok {
		return c, effects, nil
	}

	switch event.Kind {
	case EventUserMessage:
		return state, nil, rejectBusy()

	case EventToolCompleted:
		te := state.ToolExecuting
		if event.ToolCompleted.ToolUseID != te.Current.ID {
			return state, nil, rejectUnexpectedToolResult(event.ToolCompleted.ToolUseID, te.Current.ID)
		}

		result := event.ToolCompleted.Result
		result.ToolUseID = te.Current.ID
		completed := append(append([]models.ToolResult{}, te.Completed...), result)

		if len(te.Remaining) == 0 {
			messages := make([]models.Message, 0, len(completed))
			for _, r := range completed {
				messages = append(messages, newToolResultMessage(ctx, r))
			}
			next := models.ConvState{Kind: models.ConvStateAwaitingLlm, AwaitingLlm: &models.AttemptState{Attempt: 1}}
			effects := []Effect{persistToolResults(messages), persistState(next)}
			for _, m := range messages {
				effects = append(effects, notifyMessage(m))
			}
			effects = append(effects, requestLlm(1))
			return next, effects, nil
		}

		next := models.ConvState{
			Kind: models.ConvStateToolExecuting,
			ToolExecuting: &models.ToolExecutingState{
				Current:   te.Remaining[0],
				Remaining: append([]models.ToolCall{}, te.Remaining[1:]...),
				Completed: completed,
			},
		}
		effects := []Effect{persistState(next), notifyState(next), executeTool(next.ToolExecuting.Current)}
		return next, effects, nil

	default:
		return state, nil, rejectStale(state.Kind, event.Kind)
	}
}

func transitionAwaitingSubAgents(state models.ConvState, ctx Context, event Event) (models.ConvState, []Effect, *TransitionError) {
	if c, effects, ok := cancelIfRequested(state, event); ok {
		return c, effects, nil
	}

	switch event.Kind {
	case EventUserMessage:
		return state, nil, rejectBusy()

	case EventSubAgentCompleted:
		asa := state.AwaitingSubAgents
		idx := -1
		for i, h := range asa.Pending {
			if h.AgentID == event.SubAgentCompleted.AgentID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return state, nil, rejectUnexpectedToolResult(event.SubAgentCompleted.AgentID, "<no pending sub-agent>")
		}

		handle := asa.Pending[idx]
		result := models.SubAgentResult{
			AgentID:   handle.AgentID,
			ToolUseID: handle.ToolUseID,
			Outcome:   event.SubAgentCompleted.Outcome,
		}
		pending := make([]models.SubAgentHandle, 0, len(asa.Pending)-1)
		pending = append(pending, asa.Pending[:idx]...)
		pending = append(pending, asa.Pending[idx+1:]...)
		completed := append(append([]models.SubAgentResult{}, asa.Completed...), result)

		if len(pending) == 0 {
			messages := make([]models.Message, 0, len(completed)+len(asa.Superseded))
			for _, r := range completed {
				messages = append(messages, newToolResultMessage(ctx, subAgentToolResult(r)))
			}
			for _, c := range asa.Superseded {
				messages = append(messages, newToolResultMessage(ctx, supersededResult(c)))
			}
			next := models.ConvState{Kind: models.ConvStateAwaitingLlm, AwaitingLlm: &models.AttemptState{Attempt: 1}}
			effects := []Effect{persistToolResults(messages), persistState(next)}
			for _, m := range messages {
				effects = append(effects, notifyMessage(m))
			}
			effects = append(effects, requestLlm(1))
			return next, effects, nil
		}

		next := models.ConvState{
			Kind: models.ConvStateAwaitingSubAgents,
			AwaitingSubAgents: &models.AwaitingSubAgentsState{
				Pending:    pending,
				Completed:  completed,
				Superseded: asa.Superseded,
			},
		}
		return next, []Effect{persistState(next), notifyState(next)}, nil

	default:
		return state, nil, rejectStale(state.Kind, event.Kind)
	}
}

func transitionCancelling(state models.ConvState, ctx Context, event Event) (models.ConvState, []Effect, *TransitionError) {
	switch event.Kind {
	case EventUserCancel:
		return state, []Effect{notifyState(state)}, nil

	case EventCancelAck:
		synthetic := event.CancelAck.Synthetic
		next := models.Idle()
		if len(synthetic) == 0 {
			return next, []Effect{persistState(next), notifyState(next)}, nil
		}
		messages := make([]models.Message, 0, len(synthetic))
		for _, r := range synthetic {
			messages = append(messages, newToolResultMessage(ctx, r))
		}
		effects := []Effect{persistToolResults(messages), persistState(next)}
		for _, m := range messages {
			effects = append(effects, notifyMessage(m))
		}
		return next, effects, nil

	default:
		return state, nil, rejectStale(state.Kind, event.Kind)
	}
}

// cancelIfRequested handles the "any cancellable state + UserCancel"
// row shared by AwaitingLlm, LlmRequesting, ToolExecuting, and
// AwaitingSubAgents. The executor infers what to actually cancel from
// state.Kind; no separate effect descriptor exists for it ("CancelInFlight"
// is executor-internal bookkeeping, not part of the effect alphabet).
func cancelIfRequested(state models.ConvState, event Event) (models.ConvState, []Effect, bool) {
	if event.Kind != EventUserCancel {
		return models.ConvState{}, nil, false
	}
	next := models.ConvState{Kind: models.ConvStateCancelling, Cancelling: &models.CancellingState{From: state.Kind}}
	return next, []Effect{persistState(next)}, true
}
