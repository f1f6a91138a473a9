// Package subagent implements cycle-safe child-conversation spawning:
// the SpawnSubAgent effect's Spawner contract, generalized from the
// donor's peer-handoff sub-agent manager to parent/child conversation
// spawning.
package subagent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/convcore/internal/infra"
	"github.com/haasonsaas/convcore/pkg/models"
)

// SpawnRequest describes one child conversation to create.
type SpawnRequest struct {
	ParentConversationID string
	ToolUseID            string
	TaskPrompt           string
	Model                string // optional override; empty means inherit the parent's
	WorkingDir           string // optional override; empty means inherit the parent's

	// DesiredAgentID pre-assigns the child conversation id. Set by the
	// RequestLlm classification path (internal/convexec) so the id baked
	// into the AwaitingSubAgentsState a transition persists matches the
	// id the SpawnSubAgent effect later actually creates. Empty means
	// the factory mints one itself.
	DesiredAgentID string
}

// RuntimeFactory creates the child conversation row and enqueues its
// initial user message. It does not wait for the child to finish; the
// Coordinator separately arranges to be notified via Watcher. Concrete
// implementations live alongside the registry that can actually spawn a
// runtime (internal/convrun), keeping this package free of that
// dependency.
type RuntimeFactory interface {
	CreateChild(ctx context.Context, req SpawnRequest) (conversationID string, err error)
}

// Watcher subscribes to a conversation's terminal outcome. Subscription
// must be durable: spec.md §4.3 requires the supervisor to rediscover
// outstanding children and re-subscribe after a parent restart, so a
// Watcher implementation backed by storage (not just an in-memory
// channel) is expected.
type Watcher interface {
	Subscribe(ctx context.Context, conversationID string, callback func(models.SubAgentOutcome)) error
}

// Coordinator implements the SpawnSubAgent effect's SubAgentSpawner
// contract: spawn(parent_id, task_prompt, model?, cwd?) -> agent_id,
// subscribe(agent_id, callback), with a per-chain depth cap enforced on
// spawn and a process-wide cap on how many sub-agents may be active
// at once.
type Coordinator struct {
	factory RuntimeFactory
	watcher Watcher
	depth   *DepthTracker
	active  *infra.Semaphore
}

// NewCoordinator wires a RuntimeFactory and Watcher behind depth-capped
// spawning. maxActive bounds the number of sub-agents that may be
// running concurrently process-wide, independent of maxDepth's per-chain
// limit; a spawn beyond maxActive blocks until an active sibling
// releases, rather than being rejected outright.
func NewCoordinator(factory RuntimeFactory, watcher Watcher, maxDepth, maxActive int) *Coordinator {
	return &Coordinator{
		factory: factory,
		watcher: watcher,
		depth:   NewDepthTracker(maxDepth),
		active:  infra.NewSemaphore(int64(maxActive)),
	}
}

// Spawn creates a child conversation under parentConversationID and
// returns a handle naming it, or an error if the spawn-chain depth cap
// would be exceeded, ctx is cancelled while waiting for an active-count
// slot, or the factory fails. On depth-cap rejection no child row is
// created; on factory failure the acquired slot is released immediately.
func (c *Coordinator) Spawn(ctx context.Context, req SpawnRequest) (models.SubAgentHandle, error) {
	if err := c.depth.CheckCapacity(req.ParentConversationID); err != nil {
		return models.SubAgentHandle{}, err
	}
	if err := c.active.Acquire(ctx, 1); err != nil {
		return models.SubAgentHandle{}, fmt.Errorf("subagent: wait for active slot: %w", err)
	}
	conversationID, err := c.factory.CreateChild(ctx, req)
	if err != nil {
		c.active.Release(1)
		return models.SubAgentHandle{}, fmt.Errorf("subagent: create child: %w", err)
	}
	c.depth.Record(req.ParentConversationID, conversationID)
	return models.SubAgentHandle{
		AgentID:    conversationID,
		ToolUseID:  req.ToolUseID,
		TaskPrompt: req.TaskPrompt,
	}, nil
}

// Subscribe arranges for callback to run exactly once when agentID
// reaches a terminal outcome.
func (c *Coordinator) Subscribe(ctx context.Context, agentID string, callback func(models.SubAgentOutcome)) error {
	return c.watcher.Subscribe(ctx, agentID, callback)
}

// Release forgets a completed child's depth bookkeeping and frees its
// active-count slot. Call once its terminal outcome has been delivered
// and it can no longer spawn further descendants.
func (c *Coordinator) Release(agentID string) {
	c.depth.Forget(agentID)
	c.active.Release(1)
}
