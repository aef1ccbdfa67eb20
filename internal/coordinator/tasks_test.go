package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/pkg/models"
)

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "memory.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewTaskStore(store.DB(), nil)
}

func chain(n int) []*models.Task {
	tasks := make([]*models.Task, n)
	for i := range tasks {
		tasks[i] = &models.Task{
			ID:     string(rune('a' + i)),
			Title:  "step " + string(rune('A'+i)),
			Domain: "research",
		}
		if i > 0 {
			tasks[i].DependsOn = []string{tasks[i-1].ID}
		}
	}
	return tasks
}

func TestReadyFollowsDependencyOrder(t *testing.T) {
	ctx := context.Background()
	ts := newTestTaskStore(t)

	if err := ts.CreatePlan(ctx, chain(3)); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	ready, err := ts.Ready(ctx)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only task a ready, got %+v", ready)
	}

	if err := ts.Assign(ctx, "a", "scout"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := ts.Transition(ctx, "a", models.TaskInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ts.Complete(ctx, "a", "done", 0.9); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ready, err = ts.Ready(ctx)
	if err != nil {
		t.Fatalf("ready after complete: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("expected task b ready, got %+v", ready)
	}

	a, err := ts.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if a.Result != "done" || a.Confidence != 0.9 || a.CompletedAt == nil {
		t.Fatalf("completion not recorded: %+v", a)
	}
}

func TestCreatePlanRejectsCycle(t *testing.T) {
	ctx := context.Background()
	ts := newTestTaskStore(t)

	tasks := []*models.Task{
		{ID: "a", Title: "a", DependsOn: []string{"b"}},
		{ID: "b", Title: "b", DependsOn: []string{"a"}},
	}
	if err := ts.CreatePlan(ctx, tasks); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}

	if _, err := ts.Get(ctx, "a"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("cycle plan must not write tasks, got %v", err)
	}
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	ctx := context.Background()
	ts := newTestTaskStore(t)

	if err := ts.CreatePlan(ctx, []*models.Task{{ID: "a", Title: "a"}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := ts.Transition(ctx, "a", models.TaskInProgress); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("pending -> in_progress must be rejected, got %v", err)
	}
	if err := ts.Transition(ctx, "a", models.TaskCancelled); err != nil {
		t.Fatalf("pending -> cancelled: %v", err)
	}
	if err := ts.Transition(ctx, "a", models.TaskAssigned); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("cancelled is terminal, got %v", err)
	}
}

func TestFailRetriesThenBlocksSuccessors(t *testing.T) {
	ctx := context.Background()
	ts := newTestTaskStore(t)

	if err := ts.CreatePlan(ctx, chain(2)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ts.Assign(ctx, "a", "scout"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := ts.Transition(ctx, "a", models.TaskInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}

	retryable, err := ts.Fail(ctx, "a", 1)
	if err != nil {
		t.Fatalf("first fail: %v", err)
	}
	if !retryable {
		t.Fatal("first failure should be retryable")
	}
	a, _ := ts.Get(ctx, "a")
	if a.Status != models.TaskAssigned || a.RetryCount != 1 {
		t.Fatalf("retry should reset to assigned with count 1, got %+v", a)
	}

	if err := ts.Transition(ctx, "a", models.TaskInProgress); err != nil {
		t.Fatalf("restart: %v", err)
	}
	retryable, err = ts.Fail(ctx, "a", 1)
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if retryable {
		t.Fatal("retries exhausted, should not be retryable")
	}

	a, _ = ts.Get(ctx, "a")
	if a.Status != models.TaskFailed {
		t.Fatalf("expected failed, got %s", a.Status)
	}
	b, _ := ts.Get(ctx, "b")
	if b.Status != models.TaskBlocked {
		t.Fatalf("successor should be blocked, got %s", b.Status)
	}

	n, err := ts.UnblockResolved(ctx)
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if n != 0 {
		t.Fatalf("blocked task has a failed dep, nothing should release, got %d", n)
	}
}

func TestReassignResetsRetryBudget(t *testing.T) {
	ctx := context.Background()
	ts := newTestTaskStore(t)

	if err := ts.CreatePlan(ctx, []*models.Task{{ID: "a", Title: "a", RetryCount: 2, Status: models.TaskFailed}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ts.Reassign(ctx, "a", "writer"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	a, _ := ts.Get(ctx, "a")
	if a.AssignedTo != "writer" || a.RetryCount != 0 || a.Status != models.TaskAssigned {
		t.Fatalf("reassign should reset bot, retries, and status, got %+v", a)
	}
}
