package convexec

import (
	"context"
	"strconv"
	"sync"

	"github.com/haasonsaas/convcore/internal/backoff"
	"github.com/haasonsaas/convcore/internal/convstate"
)

// pendingRetries tracks in-flight ScheduleRetry waits so a later
// Cancelling transition can stop one before it fires. Keyed by
// conversation id since at most one retry can be outstanding per
// conversation (spec.md §4.2: a conversation has one in-flight
// RequestLlm at a time).
type pendingRetries struct {
	mu      sync.Mutex
	pending map[string]*retryWait
}

// retryWait identifies one armed wait by pointer identity, so a wait
// that already fired (and removed itself) can't be cancelled out from
// under a newer wait that reused the same conversation id.
type retryWait struct {
	cancel context.CancelFunc
}

func newPendingRetries() *pendingRetries {
	return &pendingRetries{pending: make(map[string]*retryWait)}
}

// arm cancels any wait already outstanding for conversationID and
// starts a new one, returning the context the caller should sleep on.
func (p *pendingRetries) arm(conversationID string) (context.Context, *retryWait) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pending[conversationID]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &retryWait{cancel: cancel}
	p.pending[conversationID] = w
	return ctx, w
}

// done removes w from the pending map if it is still the current wait
// for conversationID (a newer arm() may already have replaced it).
func (p *pendingRetries) done(conversationID string, w *retryWait) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[conversationID] == w {
		delete(p.pending, conversationID)
	}
}

// Cancel stops any retry wait outstanding for conversationID. Returns
// true if one was actually pending.
func (p *pendingRetries) Cancel(conversationID string) bool {
	p.mu.Lock()
	w, ok := p.pending[conversationID]
	if ok {
		delete(p.pending, conversationID)
	}
	p.mu.Unlock()
	if ok {
		w.cancel()
	}
	return ok
}

// runScheduleRetry waits out eff.Delay using the same
// internal/backoff.SleepWithContext the retry policy's jitter
// computation already feeds, then emits LlmRetry. It does not itself
// re-run RequestLlm — emitting LlmRetry feeds back into Transition,
// which is what decides to emit a fresh RequestLlm effect, keeping
// convexec's retry logic limited to "wait, then poke." The wait runs in
// its own goroutine so the dispatch path never blocks on it.
func (e *Executor) runScheduleRetry(_ context.Context, conversationID string, eff *convstate.ScheduleRetryEffect, emit Emit) {
	if e.Metrics != nil {
		e.Metrics.RetryScheduled(strconv.Itoa(eff.Attempt))
	}
	waitCtx, w := e.Retries.arm(conversationID)
	go func() {
		defer e.Retries.done(conversationID, w)
		if err := backoff.SleepWithContext(waitCtx, eff.Delay); err != nil {
			return // cancelled before firing
		}
		emit(conversationID, convstate.Event{
			Kind:     convstate.EventLlmRetry,
			LlmRetry: &convstate.LlmRetryEvent{Attempt: eff.Attempt},
		})
	}()
}

// CancelRetry stops any outstanding retry wait for conversationID.
// internal/convrun calls this when a transition's effects drop a
// ScheduleRetry that a prior attempt already armed (e.g. the
// conversation moved to Cancelling).
func (e *Executor) CancelRetry(conversationID string) bool {
	return e.Retries.Cancel(conversationID)
}
