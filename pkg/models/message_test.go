package models

import (
	"encoding/json"
	"testing"
)

func TestMessageKindDiscriminator(t *testing.T) {
	msg := Message{
		Kind: MessageKindUser,
		User: &UserContent{Text: "hi"},
	}
	if msg.Kind != MessageKindUser {
		t.Fatalf("Kind = %v, want %v", msg.Kind, MessageKindUser)
	}
	if msg.User.Text != "hi" {
		t.Fatalf("User.Text = %q, want %q", msg.User.Text, "hi")
	}
	if msg.Agent != nil || msg.Tool != nil {
		t.Fatal("only User should be populated")
	}
}

func TestAgentContentBlocks(t *testing.T) {
	input := json.RawMessage(`{"command":"pwd"}`)
	agent := AgentContent{
		Blocks: []ContentBlock{
			{Kind: ContentBlockText, Text: "running pwd"},
			{Kind: ContentBlockToolUse, ToolUse: &ToolUseBlock{ID: "t1", Name: "bash", Input: input}},
		},
	}

	if len(agent.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(agent.Blocks))
	}
	if agent.Blocks[1].ToolUse.ID != "t1" {
		t.Errorf("ToolUse.ID = %q, want %q", agent.Blocks[1].ToolUse.ID, "t1")
	}
}

func TestToolContentRoundTrip(t *testing.T) {
	tc := ToolContent{
		ToolUseID: "t1",
		IsError:   false,
		Payload:   ResultPayload{Kind: ResultKindText, Text: "/home"},
	}

	data, err := json.Marshal(tc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded ToolContent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ToolUseID != tc.ToolUseID || decoded.Payload.Text != tc.Payload.Text {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, tc)
	}
}

func TestDisplayArtifactKinds(t *testing.T) {
	artifacts := []DisplayArtifact{
		{Kind: DisplayArtifactText, Text: "ok"},
		{Kind: DisplayArtifactJSON, JSON: json.RawMessage(`{"a":1}`)},
		{Kind: DisplayArtifactImage, ImageBase64: "Zm9v", ImageMimeType: "image/png"},
	}
	for _, a := range artifacts {
		data, err := json.Marshal(a)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", a.Kind, err)
		}
		var decoded DisplayArtifact
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal(%v): %v", a.Kind, err)
		}
		if decoded.Kind != a.Kind {
			t.Errorf("Kind = %v, want %v", decoded.Kind, a.Kind)
		}
	}
}
