// Package kiln provides a minimal public API for embedding the orchestration
// engine in other Go programs: open a versioned store, declare a pipeline,
// and drain tasks across a workspace pool. The internal packages carry the
// full surface; this facade exports only what an extension needs.
package kiln

import (
	"context"

	"github.com/untoldecay/kiln/internal/batch"
	"github.com/untoldecay/kiln/internal/chatbackend"
	"github.com/untoldecay/kiln/internal/costs"
	"github.com/untoldecay/kiln/internal/gitrepo"
	"github.com/untoldecay/kiln/internal/processor"
	"github.com/untoldecay/kiln/internal/session"
	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
	"github.com/untoldecay/kiln/internal/workspace"
)

// Store is a versioned relational record store bound to a directory.
type Store = store.Store

// StoreOptions configures OpenStore.
type StoreOptions = store.Options

// RecordDef declares (additively) one record type's schema and behaviors.
type RecordDef = store.RecordDef

// OpenStore creates (if absent) the database at <dir>/<name>.sqlite3,
// applies pending migrations, and returns the root store.
func OpenStore(dir, name string, opts StoreOptions, extraDefs ...RecordDef) (*Store, error) {
	return store.Open(dir, name, opts, extraDefs...)
}

// Task is one pipeline invocation of one record.
type Task = task.Task

// Workspace is an isolated working directory bound to at most one task at a
// time.
type Workspace = workspace.Workspace

// Session aggregates the store handle, chat backend, cost oracle, spend
// limits, and tool registry.
type Session = session.Session

// SessionConfig is Session's immutable configuration.
type SessionConfig = session.Config

// NewSession builds a Session over a store and chat backend.
func NewSession(cfg SessionConfig, st *Store, backend chatbackend.Backend, oracle costs.Oracle, extraTools map[string]session.ToolFactory) *Session {
	return session.New(cfg, st, backend, oracle, extraTools)
}

// Git is the narrow git boundary the engine depends on.
type Git = gitrepo.Git

// NewCLIGit returns a Git implementation shelling out to the git binary,
// scoped to dir.
func NewCLIGit(dir string) Git { return gitrepo.NewCLIGit(dir) }

// Processor drains pending tasks across workspace slots.
type Processor = processor.Processor

// Batch is the assembly facade: store + session + workspaces + one handler.
type Batch = batch.Batch

// BatchOptions configures NewBatch.
type BatchOptions = batch.Options

// NewBatch assembles a Batch, provisioning worktree workspaces when
// configured from a repo.
func NewBatch(ctx context.Context, opts BatchOptions) (*Batch, error) {
	return batch.New(ctx, opts)
}
