package models

import "time"

// NotifyEventKind identifies the kind of event the client notifier
// delivers to subscribers (spec §4.4).
type NotifyEventKind string

const (
	NotifyEventMessage      NotifyEventKind = "message"
	NotifyEventStateChange  NotifyEventKind = "state_change"
	NotifyEventAgentDone    NotifyEventKind = "agent_done"
	NotifyEventDisconnected NotifyEventKind = "disconnected"
)

// NotifyEvent is the unified event the notifier ring buffer and storage
// catch-up both produce. Exactly one payload is populated, selected by
// Kind, mirroring the donor's AgentEvent "exactly one payload populated"
// convention.
//
// Sequence is the message's sequence id for NotifyEventMessage, or a
// monotonic notifier-local counter for the other kinds — subscribers
// deduplicate by Sequence across reconnection.
type NotifyEvent struct {
	Kind           NotifyEventKind `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	Sequence       uint64          `json:"sequence"`
	Time           time.Time       `json:"time"`

	Message      *Message             `json:"message,omitempty"`
	StateChange  *StateChangePayload  `json:"state_change,omitempty"`
	AgentDone    *AgentDonePayload    `json:"agent_done,omitempty"`
	Disconnected *DisconnectedPayload `json:"disconnected,omitempty"`
}

// StateChangePayload carries the conversation's new runtime state.
type StateChangePayload struct {
	State ConvState `json:"state"`
}

// AgentDonePayload marks the turn boundary where the runtime returned to
// Idle after a text-only LLM response.
type AgentDonePayload struct {
	Reason string `json:"reason,omitempty"`
}

// DisconnectedPayload notifies a subscriber that the notifier is evicting
// it, e.g. on supervisor shutdown.
type DisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// InitSnapshot is sent to a subscriber immediately after storage catch-up,
// before any live events, establishing the baseline it streams forward
// from (spec §4.4 step 2).
type InitSnapshot struct {
	Conversation  Conversation `json:"conversation"`
	State         ConvState    `json:"state"`
	MaxSequenceID uint64       `json:"max_sequence_id"`
}
