package processor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/untoldecay/kiln/internal/processor"
	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
	"github.com/untoldecay/kiln/internal/workspace"
)

type env struct {
	store *store.Store
	tasks *task.Collection
	ws    *workspace.Collection
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(t.TempDir(), "processor", store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &env{
		store: s,
		tasks: store.NewCollection[task.Task](s, "task"),
		ws:    store.NewCollection[workspace.Workspace](s, "workspace"),
	}
}

func (e *env) addWorkspaces(t *testing.T, n int) []*workspace.Workspace {
	t.Helper()
	ctx := context.Background()
	out := make([]*workspace.Workspace, 0, n)
	for i := 0; i < n; i++ {
		w, err := workspace.ProvisionPlain(ctx, e.ws, workspace.PlainConfig{Dir: fmt.Sprintf("/tmp/ws-%d", i)})
		if err != nil {
			t.Fatalf("provision workspace %d: %v", i, err)
		}
		out = append(out, w)
	}
	return out
}

// markDone is the minimal conforming handler.
func (e *env) markDone(ctx context.Context, _ *workspace.Workspace, t *task.Task) error {
	return e.store.Transaction(ctx, func(ctx context.Context) error {
		_, err := task.MarkDone(ctx, e.tasks, t)
		return err
	})
}

func TestCallWithoutWorkspaces(t *testing.T) {
	e := newEnv(t)
	p := processor.New(processor.Context{Store: e.store}, map[string]processor.Handler{
		"h": e.markDone,
	})
	if err := p.Call(context.Background(), nil); !errors.Is(err, processor.ErrNoWorkspaces) {
		t.Errorf("got %v, want ErrNoWorkspaces", err)
	}
}

func TestCallWithNoTasksReturnsImmediately(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 1)
	p := processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": e.markDone,
	})
	if err := p.Call(context.Background(), nil); err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestAddTaskIsIdempotent(t *testing.T) {
	e := newEnv(t)
	p := processor.New(processor.Context{Store: e.store}, map[string]processor.Handler{
		"h": e.markDone,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := p.AddTask(ctx, "article", 7, "h"); err != nil {
			t.Fatalf("add task %d: %v", i, err)
		}
	}
	n, err := e.tasks.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d tasks, want 1", n)
	}
}

func TestAddTaskUnknownHandler(t *testing.T) {
	e := newEnv(t)
	p := processor.New(processor.Context{Store: e.store}, map[string]processor.Handler{
		"h": e.markDone,
	})
	if _, err := p.AddTask(context.Background(), "article", 7, "nope"); !errors.Is(err, processor.ErrUnknownHandler) {
		t.Errorf("got %v, want ErrUnknownHandler", err)
	}
}

func TestDrainBindsUnboundTasks(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 1)
	p := processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": e.markDone,
	})

	ctx := context.Background()
	created, err := p.AddTask(ctx, "article", 1, "h")
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if created.WorkspaceID != nil {
		t.Fatal("new task should start unbound")
	}

	if err := p.Call(ctx, nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	got, _ := e.tasks.Find(ctx, created.ID)
	if !got.Done() {
		t.Errorf("status = %s, want done", got.Status)
	}
	if got.WorkspaceID == nil || *got.WorkspaceID != wss[0].ID {
		t.Errorf("workspace_id = %v, want %d", got.WorkspaceID, wss[0].ID)
	}
}

func TestBoundTaskOnlyRunsOnItsWorkspace(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 2)
	var mu sync.Mutex
	ranOn := map[int64]int64{} // task id -> workspace id

	p := processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": func(ctx context.Context, ws *workspace.Workspace, tk *task.Task) error {
			mu.Lock()
			ranOn[tk.ID] = ws.ID
			mu.Unlock()
			return e.markDone(ctx, ws, tk)
		},
	})

	ctx := context.Background()
	var bound *task.Task
	err := e.store.Transaction(ctx, func(ctx context.Context) error {
		var err error
		bound, err = e.tasks.Create(ctx, map[string]any{
			"handler":      "h",
			"workspace_id": wss[1].ID,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed bound task: %v", err)
	}

	if err := p.Call(ctx, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if ranOn[bound.ID] != wss[1].ID {
		t.Errorf("bound task ran on workspace %d, want %d", ranOn[bound.ID], wss[1].ID)
	}
}

func TestAsyncDrainOverlapsAcrossWorkspaces(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 2)

	p := processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": func(ctx context.Context, ws *workspace.Workspace, tk *task.Task) error {
			time.Sleep(100 * time.Millisecond)
			return e.markDone(ctx, ws, tk)
		},
	})

	ctx := context.Background()
	for i := int64(1); i <= 2; i++ {
		if _, err := p.AddTask(ctx, "article", i, "h"); err != nil {
			t.Fatalf("add task %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := p.Call(ctx, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 200*time.Millisecond {
		t.Errorf("wall time %v, want < 200ms (slots must overlap)", elapsed)
	}

	all, _ := e.tasks.All(ctx)
	for _, tk := range all {
		if !tk.Done() {
			t.Errorf("task %d status = %s, want done", tk.ID, tk.Status)
		}
	}
}

func TestHandlerLeavingTaskPendingRaisesSentinel(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 1)
	p := processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": func(context.Context, *workspace.Workspace, *task.Task) error { return nil },
	})

	ctx := context.Background()
	if _, err := p.AddTask(ctx, "article", 1, "h"); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if err := p.Call(ctx, nil); !errors.Is(err, processor.ErrTaskPending) {
		t.Errorf("got %v, want ErrTaskPending", err)
	}
}

func TestFailedTaskAdvancesDrain(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 1)
	p := processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": func(ctx context.Context, _ *workspace.Workspace, tk *task.Task) error {
			failErr := e.store.Transaction(ctx, func(ctx context.Context) error {
				_, err := task.Fail(ctx, e.tasks, tk, "deliberate")
				return err
			})
			if failErr != nil {
				return failErr
			}
			return errors.New("deliberate")
		},
	})

	ctx := context.Background()
	for i := int64(1); i <= 2; i++ {
		if _, err := p.AddTask(ctx, "article", i, "h"); err != nil {
			t.Fatalf("add task %d: %v", i, err)
		}
	}

	// Both tasks fail, but the drain finishes rather than aborting.
	if err := p.Call(ctx, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	all, _ := e.tasks.All(ctx)
	for _, tk := range all {
		if !tk.Failed() {
			t.Errorf("task %d status = %s, want failed", tk.ID, tk.Status)
		}
	}
}

func TestAbortStopsBetweenTasks(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 1)

	var p *processor.Processor
	handled := 0
	p = processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": func(ctx context.Context, ws *workspace.Workspace, tk *task.Task) error {
			handled++
			p.Abort()
			return e.markDone(ctx, ws, tk)
		},
	})

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if _, err := p.AddTask(ctx, "article", i, "h"); err != nil {
			t.Fatalf("add task %d: %v", i, err)
		}
	}
	if err := p.Call(ctx, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if handled != 1 {
		t.Errorf("handled %d tasks after abort, want 1", handled)
	}
}

func TestTasksRunInCreationOrderWithinWorkspace(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 1)

	var order []int64
	p := processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": func(ctx context.Context, ws *workspace.Workspace, tk *task.Task) error {
			order = append(order, *tk.RecordID)
			return e.markDone(ctx, ws, tk)
		},
	})

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if _, err := p.AddTask(ctx, "article", i, "h"); err != nil {
			t.Fatalf("add task %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond) // distinct created_at stamps
	}
	if err := p.Call(ctx, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if fmt.Sprint(order) != fmt.Sprint([]int64{1, 2, 3}) {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestNotBeforeDefersClaim(t *testing.T) {
	e := newEnv(t)
	wss := e.addWorkspaces(t, 1)
	handled := 0
	p := processor.New(processor.Context{Store: e.store, Workspaces: wss}, map[string]processor.Handler{
		"h": func(ctx context.Context, ws *workspace.Workspace, tk *task.Task) error {
			handled++
			return e.markDone(ctx, ws, tk)
		},
	})

	ctx := context.Background()
	deferred, err := p.AddTask(ctx, "article", 1, "h")
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	err = e.store.Transaction(ctx, func(ctx context.Context) error {
		_, err := task.SetNotBefore(ctx, e.tasks, deferred, future)
		return err
	})
	if err != nil {
		t.Fatalf("set not_before: %v", err)
	}

	if err := p.Call(ctx, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if handled != 0 {
		t.Errorf("handled %d tasks, want 0 (not yet due)", handled)
	}
	got, _ := e.tasks.Find(ctx, deferred.ID)
	if !got.Pending() {
		t.Errorf("status = %s, want still pending", got.Status)
	}
}
