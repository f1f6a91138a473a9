package convrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/convcore/internal/backoff"
	"github.com/haasonsaas/convcore/internal/convexec"
	"github.com/haasonsaas/convcore/internal/convstore"
	"github.com/haasonsaas/convcore/internal/idgen"
	"github.com/haasonsaas/convcore/internal/infra"
	"github.com/haasonsaas/convcore/internal/observability"
	"github.com/haasonsaas/convcore/internal/subagent"
	"github.com/haasonsaas/convcore/pkg/models"
)

// Config wires the dependencies every supervisor a Registry spawns
// shares: one Storage, one Executor, and the retry/id/clock sources
// convstate.Context needs to stay pure and reproducible.
type Config struct {
	Storage  convstore.Storage
	Executor *convexec.Executor

	AttemptCap  int
	RetryPolicy backoff.BackoffPolicy
	Jitter      func() float64
	Clock       idgen.Clock
	Ids         idgen.Ids

	// IdleTimeout is how long a supervisor may sit in Idle or Error
	// before the sweep evicts it (spec.md §4.3's drop(id)). Zero disables
	// eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often the eviction sweep runs. Defaults to
	// IdleTimeout/4, floored at one second, if unset.
	SweepInterval time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Registry is the process-wide conversation-id-to-supervisor map spec.md
// §4.3 describes. It also implements subagent.RuntimeFactory and
// subagent.Watcher, closing the loop between convexec's SpawnSubAgent
// effect and the child conversation's own supervisor.
type Registry struct {
	cfg Config

	mu          sync.Mutex
	supervisors map[string]*Supervisor
	closed      bool

	stopSweep chan struct{}
	sweepDone chan struct{}

	// spawnGroup coalesces concurrent GetOrSpawn misses for the same
	// conversation id, so a restart racing a fresh request loads storage
	// and builds a Supervisor once instead of twice and discarding one.
	spawnGroup infra.Group[string, *Supervisor]
}

// SetExecutor binds the Executor every supervisor this registry spawns
// will share. Wiring the process breaks into two phases because of a
// genuine dependency cycle: subagent.Coordinator needs a RuntimeFactory
// and Watcher (this Registry), but convexec.Executor needs the
// Coordinator, and Registry's Config needs the Executor. Construct the
// Registry first (with Config.Executor left nil), build the Coordinator
// over it, build the Executor over the Coordinator, then call
// SetExecutor before the first GetOrSpawn.
func (r *Registry) SetExecutor(e *convexec.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Executor = e
}

// NewRegistry starts the idle-eviction sweep (if cfg.IdleTimeout > 0) and
// returns a ready-to-use Registry. cfg.Executor may be left nil and
// supplied later via SetExecutor to break the Registry/Coordinator/
// Executor construction cycle.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		cfg:         cfg,
		supervisors: make(map[string]*Supervisor),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go r.sweepLoop()
	} else {
		close(r.sweepDone)
	}
	return r
}

// GetOrSpawn returns the live supervisor for conversationID, materializing
// one from storage (and running restart recovery) on miss. Concurrent
// misses for the same conversationID are coalesced through spawnGroup
// (the donor's singleflight pattern, generalized with generics): only one
// caller actually loads storage and constructs the Supervisor, the rest
// wait for and share its result.
func (r *Registry) GetOrSpawn(ctx context.Context, conversationID string) (*Supervisor, error) {
	r.mu.Lock()
	if sup, ok := r.supervisors[conversationID]; ok {
		r.mu.Unlock()
		return sup, nil
	}
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("convrun: registry is shut down")
	}

	sup, err, _ := r.spawnGroup.Do(conversationID, func() (*Supervisor, error) {
		return r.spawn(ctx, conversationID)
	})
	return sup, err
}

// spawn does the actual storage load and Supervisor construction for one
// conversationID. Only called from inside spawnGroup.Do, so at most one
// spawn is ever in flight per id.
func (r *Registry) spawn(ctx context.Context, conversationID string) (*Supervisor, error) {
	r.mu.Lock()
	if sup, ok := r.supervisors[conversationID]; ok {
		r.mu.Unlock()
		return sup, nil
	}
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("convrun: registry is shut down")
	}
	r.mu.Unlock()

	conv, err := r.cfg.Storage.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convrun: load conversation %s: %w", conversationID, err)
	}
	state, ok, err := r.cfg.Storage.LoadState(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convrun: load state %s: %w", conversationID, err)
	}
	if !ok {
		state = models.Idle()
	}

	sup := newSupervisor(conversationID, conv, state, r.cfg)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("convrun: registry is shut down")
	}
	r.supervisors[conversationID] = sup
	r.mu.Unlock()

	sup.start()
	sup.bootstrap(ctx)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RuntimeSpawned()
	}
	return sup, nil
}

// Drop evicts a supervisor, stopping its goroutines. The next GetOrSpawn
// for the same id re-hydrates from storage.
func (r *Registry) Drop(conversationID string) {
	r.mu.Lock()
	sup, ok := r.supervisors[conversationID]
	if ok {
		delete(r.supervisors, conversationID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	sup.stop()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RuntimeStopped()
	}
}

// Shutdown denies new GetOrSpawn calls and stops every live supervisor,
// letting each one's in-flight effect batch run to completion or until
// ctx's deadline, whichever comes first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.supervisors = map[string]*Supervisor{}
	r.mu.Unlock()

	close(r.stopSweep)
	<-r.sweepDone

	done := make(chan struct{})
	go func() {
		for _, sup := range sups {
			sup.stop()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) sweepInterval() time.Duration {
	if r.cfg.SweepInterval > 0 {
		return r.cfg.SweepInterval
	}
	interval := r.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	now := r.cfg.Clock.Now()
	r.mu.Lock()
	var stale []string
	for id, sup := range r.supervisors {
		idleSince, idle := sup.IdleSince()
		if idle && now.Sub(idleSince) >= r.cfg.IdleTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.Drop(id)
	}
}

// CreateChild implements subagent.RuntimeFactory. It inserts the child
// conversation row (honoring req.DesiredAgentID when set, per
// internal/convexec's classification path), materializes the child's
// supervisor immediately, and enqueues its initial user message so the
// child starts making progress without waiting for external input.
func (r *Registry) CreateChild(ctx context.Context, req subagent.SpawnRequest) (string, error) {
	parent, err := r.cfg.Storage.GetConversation(ctx, req.ParentConversationID)
	if err != nil {
		return "", fmt.Errorf("convrun: load parent conversation %s: %w", req.ParentConversationID, err)
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = parent.WorkingDir
	}
	model := req.Model
	if model == "" {
		model = parent.Model
	}

	initialMessage := models.Message{
		ID:        r.cfg.Ids.NewID(),
		Kind:      models.MessageKindUser,
		User:      &models.UserContent{Text: req.TaskPrompt},
		CreatedAt: r.cfg.Clock.Now(),
	}

	childID, err := r.cfg.Storage.CreateChild(ctx, convstore.CreateChildRequest{
		ID:                   req.DesiredAgentID,
		ParentConversationID: req.ParentConversationID,
		WorkingDir:           workingDir,
		Model:                model,
		InitialMessage:       initialMessage,
	})
	if err != nil {
		return "", fmt.Errorf("convrun: create child: %w", err)
	}

	sup, err := r.GetOrSpawn(ctx, childID)
	if err != nil {
		return "", fmt.Errorf("convrun: spawn child runtime %s: %w", childID, err)
	}

	sup.seedInitialTurn(initialMessage)

	return childID, nil
}

// StateOf implements convnotify.StateProvider: it reports the cached
// in-memory state of conversationID's supervisor if one is already
// running, without spawning one on a miss — a notifier subscribing to a
// conversation nobody is actively running falls back to the persisted
// state instead.
func (r *Registry) StateOf(conversationID string) (models.ConvState, bool) {
	r.mu.Lock()
	sup, ok := r.supervisors[conversationID]
	r.mu.Unlock()
	if !ok {
		return models.ConvState{}, false
	}
	return sup.State(), true
}

// Subscribe implements subagent.Watcher. The callback fires exactly once,
// when childID's supervisor reaches Idle (success) or Error (failure); if
// the child already reached a terminal state before Subscribe was called
// (a restart racing the child's own completion), it fires immediately
// with the cached outcome instead of hanging forever.
func (r *Registry) Subscribe(ctx context.Context, conversationID string, callback func(models.SubAgentOutcome)) error {
	sup, err := r.GetOrSpawn(ctx, conversationID)
	if err != nil {
		return err
	}
	sup.onTerminalSubscribe(callback)
	return nil
}
