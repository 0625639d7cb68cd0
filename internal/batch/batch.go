// Package batch implements Component G (spec.md §4.G): the thin assembly
// layer that wires a store, session, and workspace pool into a Processor
// with one registered handler, and renders the run report.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/untoldecay/kiln/internal/costs"
	"github.com/untoldecay/kiln/internal/gitrepo"
	"github.com/untoldecay/kiln/internal/processor"
	"github.com/untoldecay/kiln/internal/session"
	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
	"github.com/untoldecay/kiln/internal/workspace"
)

// ErrWorkspaceConfig is returned when Options carries both or neither of
// Workspaces and Repo — they are mutually exclusive ways to build the pool.
var ErrWorkspaceConfig = errors.New("batch: exactly one of Workspaces or Repo must be provided")

// ErrHandlerRequired is returned when Options names no handler or run body.
var ErrHandlerRequired = errors.New("batch: Handler name and Run body are required")

// RepoOptions provisions the workspace pool as git worktrees, one per
// WorktreeEnvs entry (spec.md §3's worktree mode).
type RepoOptions struct {
	Git    gitrepo.Git
	Config workspace.RepoConfig
}

// Options configures New. Store and Session accept already-built objects;
// the workspace pool comes either pre-provisioned (Workspaces) or as a Repo
// config provisioned here, exclusively.
type Options struct {
	Store   *store.Store
	Session *session.Session

	Workspaces []*workspace.Workspace
	Repo       *RepoOptions

	// Handler is the single registered handler name — the record type the
	// batch processes (spec.md §4.G).
	Handler string
	// Run is the handler body, typically a closure over a pipeline
	// Family's Run.
	Run processor.Handler

	// Costs feeds the report's cost lines; nil renders $0.00.
	Costs costs.Oracle
}

// Batch is the assembled facade: add tasks, drain them, render the report.
type Batch struct {
	store      *store.Store
	session    *session.Session
	workspaces []*workspace.Workspace
	proc       *processor.Processor
	costs      costs.Oracle
	handler    string
}

// New validates opts, provisions the workspace pool if configured from a
// repo, and assembles the Processor.
func New(ctx context.Context, opts Options) (*Batch, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("batch: Store is required")
	}
	if opts.Handler == "" || opts.Run == nil {
		return nil, ErrHandlerRequired
	}
	if (len(opts.Workspaces) > 0) == (opts.Repo != nil) {
		return nil, ErrWorkspaceConfig
	}

	pool := opts.Workspaces
	if opts.Repo != nil {
		wsCol := store.NewCollection[workspace.Workspace](opts.Store, "workspace")
		var err error
		provisionErr := opts.Store.Transaction(ctx, func(ctx context.Context) error {
			pool, err = workspace.ProvisionRepo(ctx, wsCol, opts.Repo.Git, opts.Repo.Config)
			return err
		})
		if provisionErr != nil {
			return nil, provisionErr
		}
	}

	proc := processor.New(processor.Context{
		Store:      opts.Store,
		Session:    opts.Session,
		Workspaces: pool,
	}, map[string]processor.Handler{opts.Handler: opts.Run})

	return &Batch{
		store:      opts.Store,
		session:    opts.Session,
		workspaces: pool,
		proc:       proc,
		costs:      opts.Costs,
		handler:    opts.Handler,
	}, nil
}

// Workspaces returns the provisioned pool.
func (b *Batch) Workspaces() []*workspace.Workspace { return b.workspaces }

// AddTask enqueues (idempotently) the task for record id under the batch's
// single handler.
func (b *Batch) AddTask(ctx context.Context, recordID int64) (*task.Task, error) {
	return b.proc.AddTask(ctx, b.handler, recordID, b.handler)
}

// Call drains the queue across the pool; see processor.Processor.Call.
func (b *Batch) Call(ctx context.Context, afterEach func()) error {
	return b.proc.Call(ctx, afterEach)
}

// Abort requests a cooperative stop between tasks.
func (b *Batch) Abort() { b.proc.Abort() }
