package task_test

import (
	"context"
	"testing"

	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
)

func newTasks(t *testing.T) (*store.Store, *task.Collection) {
	t.Helper()
	s, err := store.Open(t.TempDir(), "tasks", store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, store.NewCollection[task.Task](s, "task")
}

func TestDefaultsOnCreate(t *testing.T) {
	_, tasks := newTasks(t)
	ctx := context.Background()

	created, err := tasks.Create(ctx, map[string]any{"handler": "article"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.Pending() {
		t.Errorf("status = %s, want pending", created.Status)
	}
	if len(created.CompletedSteps) != 0 || len(created.ChatIDs) != 0 {
		t.Errorf("trails should start empty: %v / %v", created.CompletedSteps, created.ChatIDs)
	}
	if created.WorkspaceID != nil {
		t.Error("new task should start unbound")
	}
}

func TestCreateRequiresHandler(t *testing.T) {
	_, tasks := newTasks(t)
	if _, err := tasks.Create(context.Background(), map[string]any{}); err == nil {
		t.Error("create without handler should fail")
	}
}

func TestStatusTransitions(t *testing.T) {
	s, tasks := newTasks(t)
	ctx := context.Background()

	created, err := tasks.Create(ctx, map[string]any{"handler": "article"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = s.Transaction(ctx, func(ctx context.Context) error {
		failed, err := task.Fail(ctx, tasks, created, "it broke")
		if err != nil {
			return err
		}
		if !failed.Failed() || failed.ErrorMessage == nil || *failed.ErrorMessage != "it broke" {
			t.Errorf("fail: %+v", failed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fail transaction: %v", err)
	}
}

func TestStepTrailMutations(t *testing.T) {
	s, tasks := newTasks(t)
	ctx := context.Background()

	created, err := tasks.Create(ctx, map[string]any{"handler": "article"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = s.Transaction(ctx, func(ctx context.Context) error {
		cur := created
		for _, step := range []string{"a", "b", "c"} {
			if cur, err = task.AppendCompletedStep(ctx, tasks, cur, step); err != nil {
				return err
			}
		}
		if !cur.HasCompletedStep("b") {
			t.Error("b should be in the trail")
		}
		if cur, err = task.TruncateCompletedSteps(ctx, tasks, cur, 1); err != nil {
			return err
		}
		if len(cur.CompletedSteps) != 1 || cur.CompletedSteps[0] != "a" {
			t.Errorf("trail after truncate = %v, want [a]", cur.CompletedSteps)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}
