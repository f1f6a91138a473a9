package subagent

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/convcore/pkg/models"
)

func TestDepthTrackerAdmitsUpToCap(t *testing.T) {
	d := NewDepthTracker(2)

	if err := d.CheckCapacity("root"); err != nil {
		t.Fatalf("unexpected rejection at depth 1: %v", err)
	}
	d.Record("root", "child-1")
	if got := d.DepthOf("child-1"); got != 1 {
		t.Fatalf("want depth 1, got %d", got)
	}

	if err := d.CheckCapacity("child-1"); err != nil {
		t.Fatalf("unexpected rejection at depth 2: %v", err)
	}
	d.Record("child-1", "child-2")
	if got := d.DepthOf("child-2"); got != 2 {
		t.Fatalf("want depth 2, got %d", got)
	}

	var depthErr *ErrDepthExceeded
	if err := d.CheckCapacity("child-2"); err == nil || !errors.As(err, &depthErr) {
		t.Fatalf("want ErrDepthExceeded at depth 3, got %v", err)
	}
}

func TestDepthTrackerForgetAllowsReuse(t *testing.T) {
	d := NewDepthTracker(1)
	d.Record("root", "child-1")
	if err := d.CheckCapacity("child-1"); err == nil {
		t.Fatal("want rejection before forgetting")
	}
	d.Forget("child-1")
	if got := d.DepthOf("child-1"); got != 0 {
		t.Fatalf("want depth reset to 0 after forget, got %d", got)
	}
}

func TestDefaultMaxDepthAppliesWhenUnset(t *testing.T) {
	d := NewDepthTracker(0)
	parent := "root"
	for i := 0; i < DefaultMaxDepth; i++ {
		if err := d.CheckCapacity(parent); err != nil {
			t.Fatalf("unexpected rejection at step %d: %v", i, err)
		}
		child := parent + "-child"
		d.Record(parent, child)
		parent = child
	}
	if err := d.CheckCapacity(parent); err == nil {
		t.Fatal("want rejection once DefaultMaxDepth is reached")
	}
}

type fakeFactory struct {
	nextID string
	err    error
	got    SpawnRequest
}

func (f *fakeFactory) CreateChild(_ context.Context, req SpawnRequest) (string, error) {
	f.got = req
	if f.err != nil {
		return "", f.err
	}
	return f.nextID, nil
}

type fakeWatcher struct {
	subscribed []string
}

func (f *fakeWatcher) Subscribe(_ context.Context, conversationID string, _ func(models.SubAgentOutcome)) error {
	f.subscribed = append(f.subscribed, conversationID)
	return nil
}

func TestCoordinatorSpawnReturnsHandle(t *testing.T) {
	factory := &fakeFactory{nextID: "child-1"}
	watcher := &fakeWatcher{}
	c := NewCoordinator(factory, watcher, 3, 5)

	handle, err := c.Spawn(context.Background(), SpawnRequest{
		ParentConversationID: "parent-1",
		ToolUseID:            "t1",
		TaskPrompt:           "investigate the bug",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.AgentID != "child-1" || handle.ToolUseID != "t1" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if factory.got.ParentConversationID != "parent-1" {
		t.Fatalf("factory did not receive parent id: %+v", factory.got)
	}
}

func TestCoordinatorSpawnRejectsAtDepthCap(t *testing.T) {
	factory := &fakeFactory{nextID: "child-1"}
	watcher := &fakeWatcher{}
	c := NewCoordinator(factory, watcher, 1, 5)
	c.depth.Record("", "parent-1") // simulate parent-1 already at depth 1

	_, err := c.Spawn(context.Background(), SpawnRequest{ParentConversationID: "parent-1", ToolUseID: "t1"})
	var depthErr *ErrDepthExceeded
	if err == nil || !errors.As(err, &depthErr) {
		t.Fatalf("want ErrDepthExceeded, got %v", err)
	}
}

func TestCoordinatorSpawnPropagatesFactoryError(t *testing.T) {
	boom := errors.New("storage unavailable")
	factory := &fakeFactory{err: boom}
	c := NewCoordinator(factory, &fakeWatcher{}, 3, 5)

	_, err := c.Spawn(context.Background(), SpawnRequest{ParentConversationID: "parent-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped factory error, got %v", err)
	}
}

func TestCoordinatorSpawnRejectsAtActiveCapWithCancelledContext(t *testing.T) {
	factory := &fakeFactory{nextID: "child-1"}
	watcher := &fakeWatcher{}
	c := NewCoordinator(factory, watcher, 3, 1)

	if _, err := c.Spawn(context.Background(), SpawnRequest{ParentConversationID: "root", ToolUseID: "t1"}); err != nil {
		t.Fatalf("unexpected error on first spawn: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Spawn(ctx, SpawnRequest{ParentConversationID: "root", ToolUseID: "t2"}); err == nil {
		t.Fatal("want error spawning past the active cap with an already-cancelled context")
	}
}

func TestCoordinatorReleaseFreesActiveSlot(t *testing.T) {
	factory := &fakeFactory{nextID: "child-1"}
	watcher := &fakeWatcher{}
	c := NewCoordinator(factory, watcher, 3, 1)

	handle, err := c.Spawn(context.Background(), SpawnRequest{ParentConversationID: "root", ToolUseID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Release(handle.AgentID)

	factory.nextID = "child-2"
	if _, err := c.Spawn(context.Background(), SpawnRequest{ParentConversationID: "root", ToolUseID: "t2"}); err != nil {
		t.Fatalf("want the freed slot to admit a second spawn, got %v", err)
	}
}

func TestCoordinatorSubscribeDelegatesToWatcher(t *testing.T) {
	watcher := &fakeWatcher{}
	c := NewCoordinator(&fakeFactory{nextID: "child-1"}, watcher, 3, 5)

	if err := c.Subscribe(context.Background(), "child-1", func(models.SubAgentOutcome) {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(watcher.subscribed) != 1 || watcher.subscribed[0] != "child-1" {
		t.Fatalf("watcher did not receive subscription: %+v", watcher.subscribed)
	}
}
