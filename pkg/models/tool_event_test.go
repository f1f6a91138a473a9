package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestToolEventStages(t *testing.T) {
	for _, stage := range []ToolEventStage{
		ToolEventRequested, ToolEventStarted, ToolEventSucceeded,
		ToolEventFailed, ToolEventDenied, ToolEventRetrying,
	} {
		ev := ToolEvent{ToolCallID: "t1", ToolName: "bash", Stage: stage}
		if ev.Stage != stage {
			t.Errorf("Stage = %v, want %v", ev.Stage, stage)
		}
	}
}

func TestToolEventRoundTrip(t *testing.T) {
	started := time.Unix(1000, 0).UTC()
	finished := started.Add(2 * time.Second)

	ev := ToolEvent{
		ToolCallID: "t1",
		ToolName:   "bash",
		Stage:      ToolEventFailed,
		Attempt:    2,
		Input:      json.RawMessage(`{"command":"ls"}`),
		Error:      "exit status 1",
		StartedAt:  started,
		FinishedAt: finished,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded ToolEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ToolCallID != ev.ToolCallID || decoded.Stage != ev.Stage || decoded.Attempt != ev.Attempt {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, ev)
	}
	if !decoded.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", decoded.FinishedAt, finished)
	}
}
