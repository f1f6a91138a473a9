// Package convrun is the concurrency boundary spec.md §4.3 calls the
// supervisor and registry: one goroutine per live conversation that
// serializes external input against convstate.Transition, runs the
// effects a transition returns through convexec.Executor, and restores a
// conversation's runtime from storage after a crash or an idle-eviction.
//
// Transition itself never blocks and never waits on an effect to finish,
// so accepting a UserCancel event must never queue behind a slow
// RequestLlm or ExecuteTool effect already in flight. Supervisor achieves
// that by running effect batches on a dedicated goroutine (effectRunner)
// separate from the one that accepts events and calls Transition (loop):
// loop only ever blocks on fast, pure, in-memory work, so a cancel is
// always accepted immediately, and its cancellation side effects (firing
// the current effect batch's cancel func, stopping any armed retry
// timer) reach the in-flight work without loop itself ever waiting on it.
package convrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/convcore/internal/convexec"
	"github.com/haasonsaas/convcore/internal/convstate"
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/internal/observability"
	"github.com/haasonsaas/convcore/pkg/models"
)

// inbound is one item on a supervisor's serialized input channel. resp is
// nil for events the supervisor pushes onto itself (follow-up events from
// Executor.Run, restart-recovery, terminal-callback plumbing); it is
// non-nil only for an external Enqueue call, which blocks for the
// TransitionError (or nil) the event produced.
type inbound struct {
	event convstate.Event
	resp  chan error
}

// effectBatch is one transition's ordered effect list, dispatched to
// effectRunner with its own cancellable context so a later Cancelling
// entry can abort whatever I/O is currently in flight for it.
type effectBatch struct {
	ctx     context.Context
	cancel  context.CancelFunc
	convCtx convstate.Context
	effects []convstate.Effect

	// prev/next are the transition's before/after state, used to fire a
	// terminal-outcome callback only once this batch's own effects
	// (notably the PersistMessage for a final agent response) have
	// actually run, not merely been dispatched.
	prev, next models.ConvState
}

// Supervisor owns one conversation's runtime instance. Construct one
// through Registry.GetOrSpawn rather than directly; the registry is what
// performs the restart-recovery bootstrap spec.md §4.3 requires before a
// freshly materialized supervisor accepts its first input.
type Supervisor struct {
	id  string
	cfg Config

	convCtx convstate.Context

	mu         sync.RWMutex
	state      models.ConvState
	idleSince  time.Time
	curCancel  context.CancelFunc
	onTerminal []func(models.SubAgentOutcome)
	firedOnce  bool

	input    chan inbound
	effectCh chan effectBatch

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func newSupervisor(id string, conv convstore.Conversation, state models.ConvState, cfg Config) *Supervisor {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		id:  id,
		cfg: cfg,
		convCtx: convstate.Context{
			ConversationID: id,
			WorkingDir:     conv.WorkingDir,
			ModelID:        conv.Model,
			AttemptCap:     cfg.AttemptCap,
			RetryPolicy:    cfg.RetryPolicy,
			Jitter:         cfg.Jitter,
			Clock:          cfg.Clock,
			Ids:            cfg.Ids,
		},
		state:      state,
		idleSince:  cfg.Clock.Now(),
		input:      make(chan inbound, 32),
		effectCh:   make(chan effectBatch, 8),
		baseCtx:    baseCtx,
		baseCancel: cancel,
	}
	return s
}

func (s *Supervisor) start() {
	s.wg.Add(2)
	go s.loop()
	go s.effectRunner()
}

// stop tears down both of the supervisor's goroutines. Safe to call more
// than once; the second call is a no-op because baseCtx is already done.
func (s *Supervisor) stop() {
	s.baseCancel()
	s.wg.Wait()
}

// State returns the supervisor's cached in-memory state, for callers
// (e.g. Registry's idle sweep, the conversation-get API) that only need a
// snapshot and shouldn't pay for a round trip through the input channel.
func (s *Supervisor) State() models.ConvState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IdleSince reports when the supervisor last entered Idle or Error, or
// the zero time if it has never been idle since construction.
func (s *Supervisor) IdleSince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idle := s.state.Kind == models.ConvStateIdle || s.state.Kind == models.ConvStateError
	return s.idleSince, idle
}

// Enqueue submits an external event (user message or cancel) and blocks
// until the transition it produced has been computed, returning the
// rejection a busy or stale event receives (invariant 7, ErrStaleResponse)
// synchronously — this never waits on effect execution, only on the
// (fast, pure) Transition call itself.
func (s *Supervisor) Enqueue(ctx context.Context, event convstate.Event) error {
	resp := make(chan error, 1)
	select {
	case s.input <- inbound{event: event, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.baseCtx.Done():
		return fmt.Errorf("convrun: supervisor %s is shut down", s.id)
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pushInternal enqueues a follow-up event generated by effect completion,
// restart recovery, or a sub-agent terminal callback. It blocks rather
// than dropping: unlike NotifyClient, a dropped ToolCompleted or
// SubAgentCompleted would stall the conversation forever.
func (s *Supervisor) pushInternal(event convstate.Event) {
	select {
	case s.input <- inbound{event: event}:
	case <-s.baseCtx.Done():
	}
}

// emit adapts pushInternal to convexec.Emit's shape. The conversationID
// argument is always s.id — convexec threads it through so the same Emit
// signature also works for a notifier keyed by conversation, which
// Supervisor doesn't need.
func (s *Supervisor) emit(_ string, event convstate.Event) {
	s.pushInternal(event)
}

func (s *Supervisor) loop() {
	defer s.wg.Done()
	for {
		select {
		case msg, ok := <-s.input:
			if !ok {
				return
			}
			err := s.process(msg.event)
			if msg.resp != nil {
				msg.resp <- err
			}
		case <-s.baseCtx.Done():
			return
		}
	}
}

// process applies one event to the cached state via convstate.Transition,
// updates the cache, and — for a well-formed transition — hands the
// resulting effects to effectRunner. It never itself performs I/O and
// never blocks on effectCh beyond the channel's buffer, so the loop stays
// free to accept the next event (notably UserCancel) immediately.
func (s *Supervisor) process(ev convstate.Event) error {
	s.mu.Lock()
	prev := s.state
	s.mu.Unlock()

	next, effects, terr := convstate.Transition(prev, s.convCtx, ev)
	if terr != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn(s.baseCtx, "transition rejected",
				"conversation_id", s.id, "event", string(ev.Kind), "from", string(prev.Kind), "error", terr.Error())
		}
		return terr
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TransitionApplied(string(prev.Kind), string(ev.Kind))
	}

	s.setState(next)
	s.handleCancelEntry(prev, next)

	if len(effects) == 0 {
		// Nothing to wait for: fire the terminal callback (if any) right
		// away, since there's no pending effect that could still be
		// writing this transition's messages.
		s.fireTerminalIfReached(prev, next)
		return nil
	}

	effCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.curCancel = cancel
	s.mu.Unlock()

	batch := effectBatch{ctx: effCtx, cancel: cancel, convCtx: s.convCtx, effects: effects, prev: prev, next: next}
	select {
	case s.effectCh <- batch:
	case <-s.baseCtx.Done():
		cancel()
	}
	return nil
}

func (s *Supervisor) setState(next models.ConvState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
	if next.Kind == models.ConvStateIdle || next.Kind == models.ConvStateError {
		s.idleSince = s.cfg.Clock.Now()
	}
}

// handleCancelEntry fires the cancellation side effects Transition itself
// cannot perform (it is pure): stopping whatever I/O the previous effect
// batch is mid-flight on, and dropping any armed retry timer. It runs
// exactly once, at the instant Cancelling is newly entered.
func (s *Supervisor) handleCancelEntry(prev, next models.ConvState) {
	if next.Kind != models.ConvStateCancelling || prev.Kind == models.ConvStateCancelling {
		return
	}
	s.mu.Lock()
	cancel := s.curCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.cfg.Executor.CancelRetry(s.id)
}

// fireTerminalIfReached notifies any sub-agent-outcome subscribers once,
// the first time this supervisor's conversation reaches Idle or Error.
// Only a conversation spawned as a child ever has subscribers (the
// parent's runSpawnSubAgent call registers one via Registry.Subscribe).
func (s *Supervisor) fireTerminalIfReached(prev, next models.ConvState) {
	if next.Kind != models.ConvStateIdle && next.Kind != models.ConvStateError {
		return
	}
	if prev.Kind == next.Kind {
		return
	}
	s.mu.Lock()
	if s.firedOnce || len(s.onTerminal) == 0 {
		s.mu.Unlock()
		return
	}
	s.firedOnce = true
	subs := s.onTerminal
	s.onTerminal = nil
	s.mu.Unlock()

	outcome := s.buildOutcome(next)
	for _, cb := range subs {
		cb(outcome)
	}
}

func (s *Supervisor) buildOutcome(final models.ConvState) models.SubAgentOutcome {
	if final.Kind == models.ConvStateError {
		msg := ""
		if final.Error != nil {
			msg = final.Error.Message
		}
		return models.SubAgentOutcome{Success: false, Error: msg}
	}

	summary := ""
	msgs, err := s.cfg.Storage.LoadMessages(s.baseCtx, s.id, 0)
	if err == nil {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Kind != models.MessageKindAgent || msgs[i].Agent == nil {
				continue
			}
			for _, block := range msgs[i].Agent.Blocks {
				if block.Kind == models.ContentBlockText && block.Text != "" {
					summary = block.Text
					break
				}
			}
			break
		}
	}
	return models.SubAgentOutcome{Success: true, Summary: summary}
}

// onTerminalSubscribe registers a one-shot terminal-outcome callback.
// Used by Registry.Subscribe (the subagent.Watcher implementation).
func (s *Supervisor) onTerminalSubscribe(cb func(models.SubAgentOutcome)) {
	s.mu.Lock()
	if s.firedOnce {
		// Already terminal (e.g. a restart resubscribing after the child
		// finished before the parent came back). Fire immediately with
		// the current cached state rather than silently dropping it.
		final := s.state
		s.mu.Unlock()
		cb(s.buildOutcome(final))
		return
	}
	s.onTerminal = append(s.onTerminal, cb)
	s.mu.Unlock()
}

// effectRunner drains effect batches one at a time, in order, under the
// conversation's storage lock, so ordering guarantees and the
// per-conversation advisory lock (spec.md §5) hold even though effect
// execution runs off the event-accepting loop.
func (s *Supervisor) effectRunner() {
	defer s.wg.Done()
	for {
		select {
		case batch, ok := <-s.effectCh:
			if !ok {
				return
			}
			s.runBatch(batch)
		case <-s.baseCtx.Done():
			return
		}
	}
}

func (s *Supervisor) runBatch(batch effectBatch) {
	defer batch.cancel()

	unlock, err := s.cfg.Storage.Lock(batch.ctx, s.id)
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Error(batch.ctx, "failed to acquire conversation lock", "conversation_id", s.id, "error", err)
		}
		return
	}
	defer unlock()

	for _, eff := range batch.effects {
		if batch.ctx.Err() != nil {
			return
		}
		if err := s.cfg.Executor.Run(batch.ctx, s.id, batch.convCtx, eff, s.emit); err != nil && s.cfg.Logger != nil {
			s.cfg.Logger.Warn(batch.ctx, "effect failed", "conversation_id", s.id, "effect", string(eff.Kind), "error", err)
		}
	}

	s.fireTerminalIfReached(batch.prev, batch.next)
}

// runEffectsNow is bootstrap's (and seedInitialTurn's) entry point for
// reissuing effects directly, with no preceding Transition call. It
// always derives its context from s.baseCtx rather than whatever caller
// context triggered the reissue (a GetOrSpawn request ctx, typically) —
// the work it starts must outlive that request.
func (s *Supervisor) runEffectsNow(effects ...convstate.Effect) {
	effCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.curCancel = cancel
	s.mu.Unlock()
	batch := effectBatch{ctx: effCtx, cancel: cancel, convCtx: s.convCtx, effects: effects}
	select {
	case s.effectCh <- batch:
	case <-s.baseCtx.Done():
		cancel()
	}
}

// seedInitialTurn is Registry.CreateChild's entry point for a freshly
// created child conversation whose initial user message
// convstore.Storage.CreateChild already persisted atomically with the
// conversation row. It reproduces the Idle+UserMessage row of spec.md
// §3's transition table — AwaitingLlm(1), PersistState, NotifyClient,
// RequestLlm — minus the PersistMessage effect, since replaying that
// through Transition would persist the same user turn a second time
// under a fresh id.
func (s *Supervisor) seedInitialTurn(initialMessage models.Message) {
	awaiting := models.ConvState{Kind: models.ConvStateAwaitingLlm, AwaitingLlm: &models.AttemptState{Attempt: 1}}
	s.setState(awaiting)
	s.runEffectsNow(
		convstate.Effect{Kind: convstate.EffectPersistState, PersistState: &convstate.PersistStateEffect{State: awaiting}},
		convstate.Effect{Kind: convstate.EffectNotifyClient, NotifyClient: &convstate.NotifyClientEffect{Kind: convstate.NotifyClientMessage, Message: &initialMessage}},
		convstate.Effect{Kind: convstate.EffectRequestLlm, RequestLlm: &convstate.RequestLlmEffect{Attempt: 1}},
	)
}

// bootstrap performs spec.md §4.3's restart-recovery: inspect the state
// loaded from storage and reissue whatever work a crash (or idle
// eviction) left incomplete. Run once, by Registry.GetOrSpawn, before the
// supervisor accepts its first real input.
func (s *Supervisor) bootstrap(ctx context.Context) {
	state := s.State()
	switch state.Kind {
	case models.ConvStateLlmRequesting:
		attempt := 1
		if state.LlmRequesting != nil {
			attempt = state.LlmRequesting.Attempt
		}
		s.runEffectsNow(convstate.Effect{
			Kind:       convstate.EffectRequestLlm,
			RequestLlm: &convstate.RequestLlmEffect{Attempt: attempt},
		})

	case models.ConvStateToolExecuting:
		if state.ToolExecuting == nil {
			return
		}
		s.runEffectsNow(convstate.Effect{
			Kind:        convstate.EffectExecuteTool,
			ExecuteTool: &convstate.ExecuteToolEffect{Call: state.ToolExecuting.Current},
		})

	case models.ConvStateAwaitingSubAgents:
		if state.AwaitingSubAgents == nil {
			return
		}
		for _, handle := range state.AwaitingSubAgents.Pending {
			agentID := handle.AgentID
			err := s.cfg.Executor.SubAgent.Subscribe(ctx, agentID, func(outcome models.SubAgentOutcome) {
				s.cfg.Executor.SubAgent.Release(agentID)
				s.pushInternal(convstate.Event{
					Kind:              convstate.EventSubAgentCompleted,
					SubAgentCompleted: &convstate.SubAgentCompletedEvent{AgentID: agentID, Outcome: outcome},
				})
			})
			if err != nil && s.cfg.Logger != nil {
				s.cfg.Logger.Error(ctx, "restart resubscribe failed", "conversation_id", s.id, "agent_id", agentID, "error", err)
			}
		}

	case models.ConvStateCancelling:
		s.pushInternal(convstate.Event{Kind: convstate.EventCancelAck, CancelAck: &convstate.CancelAckEvent{}})

	default:
		// Idle, AwaitingLlm, Error: nothing was in flight, or the
		// missing piece (AwaitingLlm's RequestLlm) is itself a
		// user-visible gap spec.md leaves unaddressed rather than one
		// this runtime silently papers over.
	}
}
