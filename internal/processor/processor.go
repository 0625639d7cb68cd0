// Package processor implements Component F (spec.md §4.F): the
// workspace-partitioned scheduler that drains pending tasks across N worker
// slots, one per workspace, with cooperative abort and fail-fast error
// propagation. The bounded-concurrency primitive is errgroup with a limit of
// one goroutine per slot, the Go analogue of the source's Async + Semaphore.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/kiln/internal/logging"
	"github.com/untoldecay/kiln/internal/session"
	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
	"github.com/untoldecay/kiln/internal/workspace"
)

var (
	// ErrNoWorkspaces is returned by Call when the context has no workspace
	// slots to drain onto.
	ErrNoWorkspaces = errors.New("processor: must provide at least one workspace")

	// ErrUnknownHandler is returned by AddTask (and raised mid-drain) when a
	// task names a handler the processor has no registration for.
	ErrUnknownHandler = errors.New("processor: unknown handler")

	// ErrTaskPending exposes a broken handler: one that returned normally
	// without transitioning its task to done or failed.
	ErrTaskPending = errors.New("processor: task still pending after handler returned")
)

// Handler runs one task to a terminal state on the given workspace slot.
type Handler func(ctx context.Context, ws *workspace.Workspace, t *task.Task) error

// Context is the processor's input aggregate (spec.md §4.F): the shared
// store, the session every handler runs against, and the workspace pool.
type Context struct {
	Store      *store.Store
	Session    *session.Session
	Workspaces []*workspace.Workspace
}

// Processor drains pending tasks across workspace slots.
type Processor struct {
	pc       Context
	handlers map[string]Handler
	tasks    *task.Collection
	logger   *logging.Logger
	aborted  atomic.Bool
}

// New builds a Processor over pc with the given handler map.
func New(pc Context, handlers map[string]Handler) *Processor {
	logger := logging.Nop()
	if pc.Session != nil && pc.Session.Config().Logger != nil {
		logger = pc.Session.Config().Logger
	}
	return &Processor{
		pc:       pc,
		handlers: handlers,
		tasks:    store.NewCollection[task.Task](pc.Store, "task"),
		logger:   logger,
	}
}

// Tasks exposes the processor's task collection, e.g. for the batch report.
func (p *Processor) Tasks() *task.Collection { return p.tasks }

// AddTask finds or creates the task for (recordType, recordID, handlerName),
// idempotent per spec.md §3's lifecycle rules. An unknown handler name is a
// configuration error surfaced synchronously.
func (p *Processor) AddTask(ctx context.Context, recordType string, recordID int64, handlerName string) (*task.Task, error) {
	if _, ok := p.handlers[handlerName]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handlerName)
	}
	var t *task.Task
	err := p.pc.Store.Transaction(ctx, func(ctx context.Context) error {
		var err error
		t, err = p.tasks.FindOrCreateBy(ctx, map[string]any{
			"record_type": recordType,
			"record_id":   recordID,
			"handler":     handlerName,
		}, nil)
		return err
	})
	return t, err
}

// Abort requests a cooperative stop: every slot finishes its current task
// and then stops dequeuing. It never interrupts a running step.
func (p *Processor) Abort() { p.aborted.Store(true) }

// Aborted reports whether Abort has been requested.
func (p *Processor) Aborted() bool { return p.aborted.Load() }

// Call drains every pending task across the workspace pool. With a single
// workspace the drain is synchronous; with more, one goroutine per slot runs
// the same drain function and the first error aborts the whole set (Abort is
// signalled, outstanding slots settle, the first error is returned).
// afterEach, if non-nil, runs after every task that reaches a terminal state.
func (p *Processor) Call(ctx context.Context, afterEach func()) error {
	switch len(p.pc.Workspaces) {
	case 0:
		return ErrNoWorkspaces
	case 1:
		return p.drain(ctx, p.pc.Workspaces[0], afterEach)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(p.pc.Workspaces))
	for _, ws := range p.pc.Workspaces {
		g.Go(func() error {
			if err := p.drain(gctx, ws, afterEach); err != nil {
				p.Abort()
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// drain claims and runs tasks on one workspace slot until the queue is empty
// or an abort is requested. A task failure that the handler recorded on the
// task advances the loop; anything else (unknown handler, the task-pending
// sentinel, AbortCostExceeded) propagates and stops the whole set.
func (p *Processor) drain(ctx context.Context, ws *workspace.Workspace, afterEach func()) error {
	for {
		if p.aborted.Load() {
			return nil
		}
		t, err := p.claim(ctx, ws)
		if err != nil {
			return err
		}
		if t == nil {
			return nil
		}

		handler, ok := p.handlers[t.Handler]
		if !ok {
			return fmt.Errorf("%w: %q (task %d)", ErrUnknownHandler, t.Handler, t.ID)
		}

		p.logger.Infof("workspace %d: running task %d (%s)", ws.ID, t.ID, t.Handler)
		hErr := handler(ctx, ws, t)

		reloaded, err := p.tasks.Find(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("processor: reload task %d: %w", t.ID, err)
		}
		if hErr != nil {
			var abort *session.ErrAbortCostExceeded
			if errors.As(hErr, &abort) {
				return hErr
			}
			if !reloaded.Failed() {
				return hErr
			}
			// Recorded on the task; the drain advances to the next one.
			p.logger.Warnf("task %d failed: %v", t.ID, hErr)
		}
		if reloaded.Pending() {
			return fmt.Errorf("%w: task %d, handler %q", ErrTaskPending, t.ID, t.Handler)
		}

		if afterEach != nil {
			afterEach()
		}
	}
}

// claim selects the oldest due pending task visible to ws — bound to it, or
// not yet bound to anyone — and, for an unbound task, writes the binding in
// the same transaction so two slots can never claim the same task (spec.md
// §4.F / §8.5).
func (p *Processor) claim(ctx context.Context, ws *workspace.Workspace) (*task.Task, error) {
	var claimed *task.Task
	err := p.pc.Store.Transaction(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		bound, err := p.nextDue(ctx, map[string]any{
			"status":       string(task.StatusPending),
			"workspace_id": ws.ID,
		}, now)
		if err != nil {
			return err
		}
		unbound, err := p.nextDue(ctx, map[string]any{
			"status":       string(task.StatusPending),
			"workspace_id": nil,
		}, now)
		if err != nil {
			return err
		}

		pick := bound
		if pick == nil || (unbound != nil && unbound.CreatedAt < pick.CreatedAt) {
			pick = unbound
		}
		if pick == nil {
			return nil
		}
		if pick.WorkspaceID == nil {
			pick, err = task.BindWorkspace(ctx, p.tasks, pick, ws.ID)
			if err != nil {
				return fmt.Errorf("processor: bind task to workspace %d: %w", ws.ID, err)
			}
		}
		claimed = pick
		return nil
	})
	return claimed, err
}

// nextDue returns the oldest task matching conds whose not_before (if any)
// has passed.
func (p *Processor) nextDue(ctx context.Context, conds map[string]any, now time.Time) (*task.Task, error) {
	rows, err := p.tasks.Where(conds).Order("created_at", false).All(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range rows {
		if taskDue(t, now) {
			return t, nil
		}
	}
	return nil, nil
}

func taskDue(t *task.Task, now time.Time) bool {
	if t.NotBefore == nil || *t.NotBefore == "" {
		return true
	}
	ts, err := time.Parse(time.RFC3339Nano, *t.NotBefore)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, *t.NotBefore)
		if err != nil {
			return true
		}
	}
	return !ts.After(now)
}
