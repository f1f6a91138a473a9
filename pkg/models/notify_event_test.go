package models

import "testing"

func TestNotifyEventPayloadSelection(t *testing.T) {
	msg := Message{ID: "m1", Kind: MessageKindUser, User: &UserContent{Text: "hi"}}

	ev := NotifyEvent{
		Kind:           NotifyEventMessage,
		ConversationID: "c1",
		Sequence:       1,
		Message:        &msg,
	}

	if ev.Kind != NotifyEventMessage {
		t.Fatalf("Kind = %v, want %v", ev.Kind, NotifyEventMessage)
	}
	if ev.Message == nil || ev.Message.ID != "m1" {
		t.Fatal("Message payload not populated correctly")
	}
	if ev.StateChange != nil || ev.AgentDone != nil || ev.Disconnected != nil {
		t.Fatal("only Message should be populated")
	}
}

func TestInitSnapshotCarriesMaxSequence(t *testing.T) {
	snap := InitSnapshot{
		Conversation:  Conversation{ID: "c1", SequenceCounter: 7},
		State:         Idle(),
		MaxSequenceID: 7,
	}
	if snap.MaxSequenceID != snap.Conversation.SequenceCounter {
		t.Errorf("MaxSequenceID = %d, want %d", snap.MaxSequenceID, snap.Conversation.SequenceCounter)
	}
}
