// Package convnotify streams a conversation's executor-emitted events to
// live subscribers: the concrete implementation of convexec.Notifier named
// in spec.md's client notifier section.
package convnotify

import (
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/pkg/models"
)

// EventKind discriminates the four kinds of event a subscriber can see.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventStateChange  EventKind = "state_change"
	EventAgentDone    EventKind = "agent_done"
	EventDisconnected EventKind = "disconnected"
)

// Event is one item a subscriber receives. SequenceID carries two
// independent numbering spaces depending on Kind: for EventMessage it is
// the message's own durable sequence id (so a reconnecting subscriber can
// dedupe against storage); for every other kind it is this notifier's own
// monotonic, per-conversation counter, since state changes and agent-done
// markers have no message row of their own to number them.
type Event struct {
	Kind           EventKind
	ConversationID string
	SequenceID     uint64
	Message        *models.Message
	State          *models.ConvState
}

// Init is the snapshot a subscriber receives after its storage replay and
// before any live event: the conversation row, the runtime state as of
// the snapshot, and the highest message sequence id the replay already
// covered.
type Init struct {
	Conversation  convstore.Conversation
	State         models.ConvState
	MaxSequenceID uint64
}

// StateProvider answers "what is conversationID's current runtime state"
// for whichever supervisor happens to be running it, without spawning one
// on a miss. internal/convrun.Registry implements this.
type StateProvider interface {
	StateOf(conversationID string) (models.ConvState, bool)
}
