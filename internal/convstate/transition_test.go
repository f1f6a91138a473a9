package convstate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/convcore/internal/backoff"
	"github.com/haasonsaas/convcore/internal/idgen"
	"github.com/haasonsaas/convcore/pkg/models"
)

func testContext() Context {
	return Context{
		ConversationID: "conv-1",
		WorkingDir:     "/work",
		ModelID:        "claude-test",
		AttemptCap:     3,
		RetryPolicy:    backoff.BackoffPolicy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0},
		Jitter:         func() float64 { return 0 },
		Clock:          &idgen.StepClock{Start: time.Unix(1700000000, 0), Step: time.Second},
		Ids:            &idgen.SequentialIds{Prefix: "id-"},
	}
}

func mustKind(t *testing.T, effects []Effect, i int, kind EffectKind) {
	t.Helper()
	if i >= len(effects) {
		t.Fatalf("effect[%d]: want kind %v, only %d effects present", i, kind, len(effects))
	}
	if effects[i].Kind != kind {
		t.Errorf("effect[%d].Kind = %v, want %v", i, effects[i].Kind, kind)
	}
}

// --- S1: simple text turn ---

func TestS1SimpleTextTurn(t *testing.T) {
	ctx := testContext()

	state, effects, terr := Transition(models.Idle(), ctx, Event{
		Kind:        EventUserMessage,
		UserMessage: &UserMessageEvent{Text: "hi"},
	})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}
	if state.Kind != models.ConvStateAwaitingLlm || state.AwaitingLlm.Attempt != 1 {
		t.Fatalf("state = %+v, want AwaitingLlm(1)", state)
	}
	if len(effects) != 4 {
		t.Fatalf("got %d effects, want 4: %+v", len(effects), effects)
	}
	mustKind(t, effects, 0, EffectPersistMessage)
	mustKind(t, effects, 1, EffectPersistState)
	mustKind(t, effects, 2, EffectNotifyClient)
	mustKind(t, effects, 3, EffectRequestLlm)
	if effects[0].PersistMessage.Message.User.Text != "hi" {
		t.Errorf("persisted user text = %q, want %q", effects[0].PersistMessage.Message.User.Text, "hi")
	}

	state2, effects2, terr2 := Transition(state, ctx, Event{
		Kind:             EventLlmResponseText,
		LlmResponseText:  &LlmResponseTextEvent{Text: "hello", Usage: models.Usage{OutputTokens: 3}},
	})
	if terr2 != nil {
		t.Fatalf("unexpected rejection: %v", terr2)
	}
	if state2.Kind != models.ConvStateIdle {
		t.Fatalf("state2 = %+v, want Idle", state2)
	}
	if len(effects2) != 4 {
		t.Fatalf("got %d effects, want 4: %+v", len(effects2), effects2)
	}
	mustKind(t, effects2, 0, EffectPersistMessage)
	mustKind(t, effects2, 1, EffectPersistState)
	mustKind(t, effects2, 2, EffectNotifyClient)
	mustKind(t, effects2, 3, EffectNotifyClient)
	if effects2[3].NotifyClient.Kind != NotifyClientAgentDone {
		t.Errorf("final notify kind = %v, want agent_done", effects2[3].NotifyClient.Kind)
	}
	if effects2[0].PersistMessage.Message.Agent.Blocks[0].Text != "hello" {
		t.Errorf("persisted agent text = %q, want %q", effects2[0].PersistMessage.Message.Agent.Blocks[0].Text, "hello")
	}
}

// --- S2: tool turn ---

func TestS2ToolTurn(t *testing.T) {
	ctx := testContext()

	afterUser, _, _ := Transition(models.Idle(), ctx, Event{
		Kind:        EventUserMessage,
		UserMessage: &UserMessageEvent{Text: "run pwd"},
	})

	toolUse := models.ToolCall{ID: "t1", Name: "bash", Input: json.RawMessage(`{"command":"pwd"}`)}
	state, effects, terr := Transition(afterUser, ctx, Event{
		Kind:               EventLlmResponseToolUse,
		LlmResponseToolUse: &LlmResponseToolUseEvent{Calls: []models.ToolCall{toolUse}},
	})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}
	if state.Kind != models.ConvStateToolExecuting {
		t.Fatalf("state = %+v, want ToolExecuting", state)
	}
	if state.ToolExecuting.Current.ID != "t1" || len(state.ToolExecuting.Remaining) != 0 {
		t.Fatalf("ToolExecuting = %+v, want current=t1 remaining=[]", state.ToolExecuting)
	}
	if effects[len(effects)-1].Kind != EffectExecuteTool || effects[len(effects)-1].ExecuteTool.Call.ID != "t1" {
		t.Fatalf("last effect = %+v, want ExecuteTool(t1)", effects[len(effects)-1])
	}

	state2, effects2, terr2 := Transition(state, ctx, Event{
		Kind: EventToolCompleted,
		ToolCompleted: &ToolCompletedEvent{
			ToolUseID: "t1",
			Result:    models.ToolResult{ToolUseID: "t1", Payload: models.ResultPayload{Kind: models.ResultKindText, Text: "/home"}},
		},
	})
	if terr2 != nil {
		t.Fatalf("unexpected rejection: %v", terr2)
	}
	if state2.Kind != models.ConvStateAwaitingLlm || state2.AwaitingLlm.Attempt != 1 {
		t.Fatalf("state2 = %+v, want AwaitingLlm(1)", state2)
	}
	if effects2[0].Kind != EffectPersistToolResults || len(effects2[0].PersistToolResults.Messages) != 1 {
		t.Fatalf("effects2[0] = %+v, want PersistToolResults with 1 message", effects2[0])
	}
	foundRequestLlm := false
	for _, e := range effects2 {
		if e.Kind == EffectRequestLlm {
			foundRequestLlm = true
		}
	}
	if !foundRequestLlm {
		t.Errorf("effects2 = %+v, want a RequestLlm effect", effects2)
	}
}

// --- S3: two-tool ordering, unexpected result rejected ---

func TestS3TwoToolOrdering(t *testing.T) {
	ctx := testContext()
	t1 := models.ToolCall{ID: "t1", Name: "bash"}
	t2 := models.ToolCall{ID: "t2", Name: "bash"}

	state := models.ConvState{
		Kind:          models.ConvStateToolExecuting,
		ToolExecuting: &models.ToolExecutingState{Current: t1, Remaining: []models.ToolCall{t2}},
	}

	unchanged, effects, terr := Transition(state, ctx, Event{
		Kind: EventToolCompleted,
		ToolCompleted: &ToolCompletedEvent{
			ToolUseID: "t2",
			Result:    models.ToolResult{ToolUseID: "t2"},
		},
	})
	if terr == nil {
		t.Fatal("expected rejection, got none")
	}
	if terr.Unwrap() != ErrUnexpectedToolResult {
		t.Errorf("error = %v, want ErrUnexpectedToolResult", terr.Unwrap())
	}
	if effects != nil {
		t.Errorf("effects = %+v, want nil on rejection", effects)
	}
	if unchanged.Kind != models.ConvStateToolExecuting || unchanged.ToolExecuting.Current.ID != "t1" {
		t.Errorf("state mutated on rejection: %+v", unchanged)
	}
}

// --- S4: cancel during tool execution ---

func TestS4CancelDuringTool(t *testing.T) {
	ctx := testContext()
	t1 := models.ToolCall{ID: "t1", Name: "bash"}
	t2 := models.ToolCall{ID: "t2", Name: "bash"}

	state := models.ConvState{
		Kind:          models.ConvStateToolExecuting,
		ToolExecuting: &models.ToolExecutingState{Current: t1, Remaining: []models.ToolCall{t2}},
	}

	cancelling, effects, terr := Transition(state, ctx, Event{Kind: EventUserCancel})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}
	if cancelling.Kind != models.ConvStateCancelling || cancelling.Cancelling.From != models.ConvStateToolExecuting {
		t.Fatalf("state = %+v, want Cancelling(from=ToolExecuting)", cancelling)
	}
	mustKind(t, effects, 0, EffectPersistState)

	synthetic := []models.ToolResult{
		{ToolUseID: "t1", IsError: true, Payload: models.ResultPayload{Kind: models.ResultKindText, Text: "cancelled by user"}},
		{ToolUseID: "t2", IsError: true, Payload: models.ResultPayload{Kind: models.ResultKindText, Text: "cancelled by user"}},
	}
	idleState, effects2, terr2 := Transition(cancelling, ctx, Event{
		Kind:      EventCancelAck,
		CancelAck: &CancelAckEvent{Synthetic: synthetic},
	})
	if terr2 != nil {
		t.Fatalf("unexpected rejection: %v", terr2)
	}
	if idleState.Kind != models.ConvStateIdle {
		t.Fatalf("state = %+v, want Idle", idleState)
	}
	if effects2[0].Kind != EffectPersistToolResults || len(effects2[0].PersistToolResults.Messages) != 2 {
		t.Fatalf("effects2[0] = %+v, want PersistToolResults with 2 messages", effects2[0])
	}
}

// --- S5: retry then fatal ---

func TestS5RetryThenFatal(t *testing.T) {
	ctx := testContext()
	state := models.ConvState{Kind: models.ConvStateLlmRequesting, LlmRequesting: &models.AttemptState{Attempt: 1}}

	state, effects, terr := Transition(state, ctx, Event{
		Kind:     EventLlmError,
		LlmError: &LlmErrorEvent{Kind: LlmErrorRetryable, Message: "500"},
	})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}
	if state.Kind != models.ConvStateLlmRequesting || state.LlmRequesting.Attempt != 2 {
		t.Fatalf("state = %+v, want LlmRequesting(2)", state)
	}
	if effects[0].Kind != EffectScheduleRetry || effects[0].ScheduleRetry.Attempt != 2 {
		t.Fatalf("effects[0] = %+v, want ScheduleRetry(_, 2)", effects[0])
	}
	wantDelay := backoff.ComputeBackoffWithRand(ctx.RetryPolicy, 1, 0)
	if effects[0].ScheduleRetry.Delay != wantDelay {
		t.Errorf("delay = %v, want %v", effects[0].ScheduleRetry.Delay, wantDelay)
	}

	state, _, terr = Transition(state, ctx, Event{
		Kind:     EventLlmError,
		LlmError: &LlmErrorEvent{Kind: LlmErrorRetryable, Message: "500"},
	})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}
	if state.Kind != models.ConvStateLlmRequesting || state.LlmRequesting.Attempt != 3 {
		t.Fatalf("state = %+v, want LlmRequesting(3)", state)
	}

	state, effects, terr = Transition(state, ctx, Event{
		Kind:     EventLlmError,
		LlmError: &LlmErrorEvent{Kind: LlmErrorRetryable, Message: "500"},
	})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}
	if state.Kind != models.ConvStateError {
		t.Fatalf("state = %+v, want Error (cap exhausted)", state)
	}
	if state.Error.Kind != models.ErrorKindLLM {
		t.Errorf("ErrorState.Kind = %v, want llm", state.Error.Kind)
	}
	mustKind(t, effects, 0, EffectPersistMessage)
	mustKind(t, effects, 1, EffectPersistState)
	mustKind(t, effects, 2, EffectNotifyClient)
}

// --- S6: restart replay is an executor concern, not transition's ---
// verified here only at the data level: a persisted ToolExecuting(t1,[],[])
// with no completed results is a state transition() never needs to reissue
// anything for — that is the registry's restart-recovery pseudo-event,
// covered in internal/convrun.

// --- S7: busy rejection ---

func TestS7BusyRejection(t *testing.T) {
	ctx := testContext()
	state := models.ConvState{Kind: models.ConvStateLlmRequesting, LlmRequesting: &models.AttemptState{Attempt: 1}}

	unchanged, effects, terr := Transition(state, ctx, Event{
		Kind:        EventUserMessage,
		UserMessage: &UserMessageEvent{Text: "again"},
	})
	if terr == nil {
		t.Fatal("expected rejection, got none")
	}
	if terr.Unwrap() != ErrAgentBusy {
		t.Errorf("error = %v, want ErrAgentBusy", terr.Unwrap())
	}
	if effects != nil {
		t.Errorf("effects = %+v, want nil", effects)
	}
	if unchanged.Kind != models.ConvStateLlmRequesting || unchanged.LlmRequesting.Attempt != 1 {
		t.Errorf("state mutated on rejection: %+v", unchanged)
	}
}

// --- property 1: totality ---

func TestTotalityNoPanics(t *testing.T) {
	ctx := testContext()
	states := []models.ConvState{
		models.Idle(),
		{Kind: models.ConvStateAwaitingLlm, AwaitingLlm: &models.AttemptState{Attempt: 1}},
		{Kind: models.ConvStateLlmRequesting, LlmRequesting: &models.AttemptState{Attempt: 2}},
		{Kind: models.ConvStateToolExecuting, ToolExecuting: &models.ToolExecutingState{Current: models.ToolCall{ID: "t1"}}},
		{Kind: models.ConvStateAwaitingSubAgents, AwaitingSubAgents: &models.AwaitingSubAgentsState{Pending: []models.SubAgentHandle{{AgentID: "a1", ToolUseID: "t1"}}}},
		{Kind: models.ConvStateCancelling, Cancelling: &models.CancellingState{From: models.ConvStateToolExecuting}},
		{Kind: models.ConvStateError, Error: &models.ErrorState{Message: "boom", Kind: models.ErrorKindLLM}},
	}
	events := []Event{
		{Kind: EventUserMessage, UserMessage: &UserMessageEvent{Text: "x"}},
		{Kind: EventUserCancel},
		{Kind: EventLlmResponseText, LlmResponseText: &LlmResponseTextEvent{Text: "x"}},
		{Kind: EventLlmResponseToolUse, LlmResponseToolUse: &LlmResponseToolUseEvent{Calls: []models.ToolCall{{ID: "t1"}}}},
		{Kind: EventLlmResponseSpawnAgents, LlmResponseSpawnAgents: &LlmResponseSpawnAgentsEvent{Handles: []models.SubAgentHandle{{AgentID: "a1", ToolUseID: "t1"}}}},
		{Kind: EventLlmError, LlmError: &LlmErrorEvent{Kind: LlmErrorFatal, Message: "boom"}},
		{Kind: EventLlmRetry, LlmRetry: &LlmRetryEvent{Attempt: 2}},
		{Kind: EventToolCompleted, ToolCompleted: &ToolCompletedEvent{ToolUseID: "t1", Result: models.ToolResult{ToolUseID: "t1"}}},
		{Kind: EventSubAgentCompleted, SubAgentCompleted: &SubAgentCompletedEvent{AgentID: "a1", Outcome: models.SubAgentOutcome{Success: true}}},
		{Kind: EventCancelAck, CancelAck: &CancelAckEvent{}},
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("transition panicked: %v", r)
		}
	}()

	for _, s := range states {
		for _, e := range events {
			Transition(s, ctx, e)
		}
	}
}

// --- property 3: state-before-effect ---

func TestStateBeforeEffect(t *testing.T) {
	ctx := testContext()
	_, effects, terr := Transition(models.Idle(), ctx, Event{
		Kind:        EventUserMessage,
		UserMessage: &UserMessageEvent{Text: "hi"},
	})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}

	hasPersistState := false
	persistStateIdx := -1
	notifyIdx := -1
	for i, e := range effects {
		if e.Kind == EffectPersistState {
			hasPersistState = true
			persistStateIdx = i
		}
		if e.Kind == EffectNotifyClient && notifyIdx == -1 {
			notifyIdx = i
		}
	}
	if !hasPersistState {
		t.Fatal("message-producing transition has no PersistState effect")
	}
	if notifyIdx != -1 && notifyIdx < persistStateIdx {
		t.Errorf("NotifyClient at %d precedes PersistState at %d", notifyIdx, persistStateIdx)
	}
}

// --- property 4: cancel reachability ---

func TestCancelReachability(t *testing.T) {
	ctx := testContext()
	cancellable := []models.ConvStateKind{
		models.ConvStateAwaitingLlm,
		models.ConvStateLlmRequesting,
		models.ConvStateToolExecuting,
		models.ConvStateAwaitingSubAgents,
	}
	for _, kind := range cancellable {
		var s models.ConvState
		switch kind {
		case models.ConvStateAwaitingLlm:
			s = models.ConvState{Kind: kind, AwaitingLlm: &models.AttemptState{Attempt: 1}}
		case models.ConvStateLlmRequesting:
			s = models.ConvState{Kind: kind, LlmRequesting: &models.AttemptState{Attempt: 1}}
		case models.ConvStateToolExecuting:
			s = models.ConvState{Kind: kind, ToolExecuting: &models.ToolExecutingState{Current: models.ToolCall{ID: "t1"}}}
		case models.ConvStateAwaitingSubAgents:
			s = models.ConvState{Kind: kind, AwaitingSubAgents: &models.AwaitingSubAgentsState{Pending: []models.SubAgentHandle{{AgentID: "a1"}}}}
		}

		cancelling, _, terr := Transition(s, ctx, Event{Kind: EventUserCancel})
		if terr != nil {
			t.Fatalf("%v: unexpected rejection on cancel: %v", kind, terr)
		}
		if cancelling.Kind != models.ConvStateCancelling {
			t.Fatalf("%v: state = %+v, want Cancelling", kind, cancelling)
		}

		idle, _, terr2 := Transition(cancelling, ctx, Event{Kind: EventCancelAck, CancelAck: &CancelAckEvent{}})
		if terr2 != nil {
			t.Fatalf("%v: unexpected rejection on CancelAck: %v", kind, terr2)
		}
		if idle.Kind != models.ConvStateIdle {
			t.Fatalf("%v: CancelAck landed on %+v, want Idle", kind, idle)
		}
	}
}

// --- property 5: error recovery ---

func TestErrorRecovery(t *testing.T) {
	ctx := testContext()
	errState := models.ConvState{Kind: models.ConvStateError, Error: &models.ErrorState{Message: "boom", Kind: models.ErrorKindLLM}}

	for _, ev := range []Event{
		{Kind: EventUserCancel},
		{Kind: EventLlmResponseText, LlmResponseText: &LlmResponseTextEvent{Text: "x"}},
		{Kind: EventToolCompleted, ToolCompleted: &ToolCompletedEvent{ToolUseID: "t1"}},
	} {
		_, _, terr := Transition(errState, ctx, ev)
		if ev.Kind != EventUserCancel && terr == nil {
			t.Errorf("event %v from Error: expected rejection, got none", ev.Kind)
		}
	}

	next, _, terr := Transition(errState, ctx, Event{Kind: EventUserMessage, UserMessage: &UserMessageEvent{Text: "resume"}})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}
	if next.Kind != models.ConvStateAwaitingLlm || next.AwaitingLlm.Attempt != 1 {
		t.Fatalf("state = %+v, want AwaitingLlm(1)", next)
	}
}

// --- property 6: tool-id faithfulness across a full ToolExecuting run ---

func TestToolIDFaithfulness(t *testing.T) {
	ctx := testContext()
	calls := []models.ToolCall{{ID: "t1", Name: "bash"}, {ID: "t2", Name: "bash"}, {ID: "t3", Name: "bash"}}

	afterUser, _, _ := Transition(models.Idle(), ctx, Event{Kind: EventUserMessage, UserMessage: &UserMessageEvent{Text: "go"}})
	state, _, terr := Transition(afterUser, ctx, Event{Kind: EventLlmResponseToolUse, LlmResponseToolUse: &LlmResponseToolUseEvent{Calls: calls}})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}

	want := map[string]bool{"t1": true, "t2": true, "t3": true}
	for state.Kind == models.ConvStateToolExecuting {
		te := state.ToolExecuting
		got := map[string]bool{te.Current.ID: true}
		for _, r := range te.Remaining {
			got[r.ID] = true
		}
		for _, c := range te.Completed {
			got[c.ToolUseID] = true
		}
		for id := range want {
			if !got[id] {
				t.Fatalf("id %q missing from current∪remaining∪completed = %+v", id, got)
			}
		}
		state, _, terr = Transition(state, ctx, Event{
			Kind: EventToolCompleted,
			ToolCompleted: &ToolCompletedEvent{
				ToolUseID: te.Current.ID,
				Result:    models.ToolResult{ToolUseID: te.Current.ID},
			},
		})
		if terr != nil {
			t.Fatalf("unexpected rejection: %v", terr)
		}
	}
	if state.Kind != models.ConvStateAwaitingLlm {
		t.Fatalf("final state = %+v, want AwaitingLlm", state)
	}
}

// --- spawn-wins tie-break (open question 1) ---

func TestSpawnWinsOverOtherTools(t *testing.T) {
	ctx := testContext()
	afterUser, _, _ := Transition(models.Idle(), ctx, Event{Kind: EventUserMessage, UserMessage: &UserMessageEvent{Text: "delegate"}})

	other := models.ToolCall{ID: "t-other", Name: "bash"}
	state, effects, terr := Transition(afterUser, ctx, Event{
		Kind: EventLlmResponseSpawnAgents,
		LlmResponseSpawnAgents: &LlmResponseSpawnAgentsEvent{
			Handles:    []models.SubAgentHandle{{AgentID: "agent-1", ToolUseID: "t-spawn", TaskPrompt: "do thing"}},
			OtherCalls: []models.ToolCall{other},
		},
	})
	if terr != nil {
		t.Fatalf("unexpected rejection: %v", terr)
	}
	if state.Kind != models.ConvStateAwaitingSubAgents {
		t.Fatalf("state = %+v, want AwaitingSubAgents", state)
	}
	if len(state.AwaitingSubAgents.Superseded) != 1 || state.AwaitingSubAgents.Superseded[0].ID != "t-other" {
		t.Fatalf("Superseded = %+v, want [t-other]", state.AwaitingSubAgents.Superseded)
	}
	found := false
	for _, e := range effects {
		if e.Kind == EffectSpawnSubAgent && e.SpawnSubAgent.Handle.AgentID == "agent-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected a SpawnSubAgent effect for agent-1")
	}

	final, effects2, terr2 := Transition(state, ctx, Event{
		Kind: EventSubAgentCompleted,
		SubAgentCompleted: &SubAgentCompletedEvent{
			AgentID: "agent-1",
			Outcome: models.SubAgentOutcome{Success: true, Summary: "done"},
		},
	})
	if terr2 != nil {
		t.Fatalf("unexpected rejection: %v", terr2)
	}
	if final.Kind != models.ConvStateAwaitingLlm {
		t.Fatalf("final = %+v, want AwaitingLlm", final)
	}
	if len(effects2[0].PersistToolResults.Messages) != 2 {
		t.Fatalf("expected 2 persisted tool-result messages (sub-agent + superseded), got %d", len(effects2[0].PersistToolResults.Messages))
	}
	supersededFound := false
	for _, m := range effects2[0].PersistToolResults.Messages {
		if m.Tool.ToolUseID == "t-other" && m.Tool.IsError {
			supersededFound = true
		}
	}
	if !supersededFound {
		t.Error("expected a superseded error result for t-other")
	}
}
