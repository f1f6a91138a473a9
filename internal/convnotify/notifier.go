package convnotify

import (
	"context"
	"sync"

	"github.com/haasonsaas/convcore/internal/convstate"
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/internal/observability"
	"github.com/haasonsaas/convcore/pkg/models"
)

// subscriberBuffer bounds how many events a live subscriber's channel can
// hold before Publish's non-blocking send would otherwise drop one.
const subscriberBuffer = 64

// Notifier implements convexec.Notifier on top of a per-conversation
// ring buffer, and exposes Subscribe for whichever transport (SSE,
// websocket) a caller wires up. It never blocks on a slow or absent
// subscriber: Publish only ever has to append to a ring, and a
// subscriber that falls behind the ring's retention catches itself up
// from durable storage rather than stalling the publisher.
type Notifier struct {
	storage  convstore.Storage
	states   StateProvider
	logger   *observability.Logger
	metrics  *observability.Metrics
	ringSize int

	mu    sync.Mutex
	rings map[string]*ring
	local map[string]uint64 // per-conversation counter for non-message events
}

// NewNotifier builds a Notifier over storage (for catch-up replay) and
// states (for the init packet's runtime-state snapshot). logger/metrics
// may be nil. ringSize sizes each conversation's ring buffer
// (config.NotifierConfig.RingSize); zero or negative falls back to
// defaultRingCapacity.
func NewNotifier(storage convstore.Storage, states StateProvider, logger *observability.Logger, metrics *observability.Metrics, ringSize int) *Notifier {
	return &Notifier{
		storage:  storage,
		states:   states,
		logger:   logger,
		metrics:  metrics,
		ringSize: ringSize,
		rings:    make(map[string]*ring),
		local:    make(map[string]uint64),
	}
}

func (n *Notifier) ringFor(conversationID string) *ring {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rings[conversationID]
	if !ok {
		r = newRing(n.ringSize)
		n.rings[conversationID] = r
	}
	return r
}

func (n *Notifier) nextLocalSeq(conversationID string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.local[conversationID]++
	return n.local[conversationID]
}

// Publish implements convexec.Notifier. It translates one
// convstate.NotifyClientEffect into an Event and appends it to
// conversationID's ring.
func (n *Notifier) Publish(conversationID string, effect convstate.NotifyClientEffect) {
	ev := Event{ConversationID: conversationID}
	switch effect.Kind {
	case convstate.NotifyClientMessage:
		ev.Kind = EventMessage
		ev.Message = effect.Message
		if effect.Message != nil {
			ev.SequenceID = effect.Message.SequenceID
		}
	case convstate.NotifyClientStateChange:
		ev.Kind = EventStateChange
		ev.State = effect.State
		ev.SequenceID = n.nextLocalSeq(conversationID)
	case convstate.NotifyClientAgentDone:
		ev.Kind = EventAgentDone
		ev.State = effect.State
		ev.SequenceID = n.nextLocalSeq(conversationID)
	default:
		return
	}
	n.ringFor(conversationID).push(ev)
}

// Disconnect pushes an EventDisconnected marker to conversationID's ring
// and is intended to precede forcibly closing a specific subscriber's
// transport (e.g. on supersession by a newer subscription for the same
// client). It carries no payload beyond its kind; a subscriber that
// sees it should treat its own stream as ended rather than expect
// further live events on the same connection.
func (n *Notifier) Disconnect(conversationID string) {
	n.ringFor(conversationID).push(Event{
		Kind:           EventDisconnected,
		ConversationID: conversationID,
		SequenceID:     n.nextLocalSeq(conversationID),
	})
}

// Subscribe implements the three-step catch-up contract: replay is every
// persisted message with sequence id > afterSequence; init is the
// snapshot to send once replay has been written out; events then
// delivers live events strictly after that snapshot. The caller (the
// transport layer) is responsible for writing replay, then init, then
// draining events, in that order — Subscribe only computes what each
// step needs and does not itself touch a wire format.
//
// The channel closes when ctx is done or the conversation's ring is
// closed; it is never closed for any other reason, so a transport can
// range over it directly.
func (n *Notifier) Subscribe(ctx context.Context, conversationID string, afterSequence uint64) (replay []models.Message, init Init, events <-chan Event, err error) {
	conv, err := n.storage.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, Init{}, nil, err
	}

	r := n.ringFor(conversationID)
	// Capture the ring's tail before reading storage: any event
	// published while the replay below is still in flight will be
	// re-delivered live starting from this cursor. That can duplicate
	// an event already covered by replay — the contract explicitly
	// allows duplicates on reconnect and forbids only gaps.
	tail := r.tail()

	replay, err = n.storage.LoadMessages(ctx, conversationID, afterSequence)
	if err != nil {
		return nil, Init{}, nil, err
	}

	maxSeq, err := n.storage.MaxSequenceID(ctx, conversationID)
	if err != nil {
		return nil, Init{}, nil, err
	}

	state, ok := n.states.StateOf(conversationID)
	if !ok {
		state, _, err = n.storage.LoadState(ctx, conversationID)
		if err != nil {
			return nil, Init{}, nil, err
		}
	}

	if n.metrics != nil {
		n.metrics.SubscriberJoined()
	}

	out := make(chan Event, subscriberBuffer)
	go n.streamLive(ctx, r, conversationID, tail, maxSeq, out)

	return replay, Init{Conversation: conv, State: state, MaxSequenceID: maxSeq}, out, nil
}

// streamLive forwards ring events strictly after startPos to out,
// closing over storage to re-read any message events the ring has
// already evicted by the time this goroutine catches up to them
// (spec.md's "if the ring was lapped ... re-read from storage to close
// the gap before streaming live"). Only message events are recoverable
// this way: state_change and agent_done carry no durable row of their
// own, so a lapped one is simply skipped — the client is never left
// more than one live event behind the conversation's actual current
// state, since whatever superseded it will itself arrive live.
func (n *Notifier) streamLive(ctx context.Context, r *ring, conversationID string, startPos, lastMsgSeq uint64, out chan<- Event) {
	defer close(out)
	if n.metrics != nil {
		defer n.metrics.SubscriberLeft()
	}
	pos := startPos + 1
	for {
		ev, status, wait := r.tryRead(pos)
		switch status {
		case readOK:
			if ev.Kind == EventMessage {
				if ev.SequenceID <= lastMsgSeq {
					pos++
					continue
				}
				lastMsgSeq = ev.SequenceID
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			pos++
		case readLapped:
			msgs, loadErr := n.storage.LoadMessages(ctx, conversationID, lastMsgSeq)
			if loadErr != nil {
				if n.logger != nil {
					n.logger.Warn(ctx, "convnotify: lapped catch-up read failed", "conversation_id", conversationID, "error", loadErr)
				}
				return
			}
			for i := range msgs {
				m := msgs[i]
				select {
				case out <- Event{Kind: EventMessage, ConversationID: conversationID, SequenceID: m.SequenceID, Message: &m}:
					lastMsgSeq = m.SequenceID
				case <-ctx.Done():
					return
				}
			}
			pos = r.tail() + 1
		case readClosed:
			return
		case readNotYet:
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}
}
