package models

import "testing"

func TestValidSlug(t *testing.T) {
	tests := []struct {
		name string
		slug string
		want bool
	}{
		{"simple", "my-conversation", true},
		{"digits", "run-42", true},
		{"single word", "scratch", true},
		{"empty", "", false},
		{"uppercase", "My-Conversation", false},
		{"leading hyphen", "-leading", false},
		{"trailing hyphen", "trailing-", false},
		{"double hyphen", "a--b", false},
		{"underscore", "a_b", false},
		{"space", "a b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidSlug(tt.slug); got != tt.want {
				t.Errorf("ValidSlug(%q) = %v, want %v", tt.slug, got, tt.want)
			}
		})
	}
}

func TestIdle(t *testing.T) {
	s := Idle()
	if s.Kind != ConvStateIdle {
		t.Errorf("Idle().Kind = %v, want %v", s.Kind, ConvStateIdle)
	}
	if s.AwaitingLlm != nil || s.ToolExecuting != nil || s.Error != nil {
		t.Error("Idle() should carry no variant payload")
	}
}

func TestConvStateIsCancellable(t *testing.T) {
	tests := []struct {
		kind ConvStateKind
		want bool
	}{
		{ConvStateIdle, false},
		{ConvStateError, false},
		{ConvStateCancelling, false},
		{ConvStateAwaitingLlm, true},
		{ConvStateLlmRequesting, true},
		{ConvStateToolExecuting, true},
		{ConvStateAwaitingSubAgents, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s := ConvState{Kind: tt.kind}
			if got := s.IsCancellable(); got != tt.want {
				t.Errorf("ConvState{Kind: %v}.IsCancellable() = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}
