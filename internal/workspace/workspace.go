// Package workspace implements spec.md §3's Workspace entity: an isolated
// working directory, optionally a git worktree, bound to at most one task at
// a time.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/untoldecay/kiln/internal/gitrepo"
	"github.com/untoldecay/kiln/internal/store"
)

// Workspace mirrors spec.md §3: id, dir (unique non-null), env map.
type Workspace struct {
	ID        int64             `db:"id"`
	Dir       string            `db:"dir"`
	Env       map[string]string `db:"env"`
	CreatedAt string            `db:"created_at"`
	UpdatedAt string            `db:"updated_at"`
}

func init() {
	store.Register(store.Define("workspace", []store.ColumnDef{
		store.StringColumn("dir"),
		store.JSONColumn("env", "{}"),
	}, store.WithBeforeCreate(func(values map[string]any) error {
		dir, _ := values["dir"].(string)
		if dir == "" {
			return fmt.Errorf("workspace: dir is required")
		}
		if _, ok := values["env"]; !ok {
			values["env"] = map[string]string{}
		}
		return nil
	})))
}

// Collection is the typed CRUD handle for the workspaces table.
type Collection = store.Collection[Workspace]

// PlainConfig provisions a single workspace backed by an ordinary directory.
type PlainConfig struct {
	Dir string
	Env map[string]string
}

// ProvisionPlain creates (or finds, idempotent by dir) one workspace from a
// plain directory + env, per spec.md §3's "plain directory + env" mode.
func ProvisionPlain(ctx context.Context, ws *Collection, cfg PlainConfig) (*Workspace, error) {
	return ws.FindOrCreateBy(ctx, map[string]any{"dir": cfg.Dir}, map[string]any{"env": cfg.Env})
}

// RepoConfig provisions a pool of git-worktree-backed workspaces, one per
// entry of WorktreeEnvs, per spec.md §3's worktree mode. It is also the
// YAML document shape LoadRepoConfig reads.
type RepoConfig struct {
	// RootDir is the main repository checkout from which worktrees are created.
	RootDir string `yaml:"root_dir"`
	// WorktreesDir is where worktree directories are created, default RootDir/.worktrees.
	WorktreesDir string `yaml:"worktrees_dir"`
	// BranchPrefix names branches "<prefix>-<index>".
	BranchPrefix string `yaml:"branch_prefix"`
	// InitialRevision is the revision each worktree is checked out at (empty =
	// the branch itself: an existing branch's tip, or HEAD for a new branch).
	InitialRevision string `yaml:"initial_revision"`
	// WorkingSubdir is appended to the worktree path to form the workspace dir,
	// e.g. when only a subdirectory of the checkout is the actual work area.
	WorkingSubdir string `yaml:"working_subdir"`
	// WorktreeEnvs has one entry (an env map) per desired workspace.
	WorktreeEnvs []map[string]string `yaml:"worktree_envs"`
}

// LoadRepoConfig reads a declarative workspace-pool description from a YAML
// file.
func LoadRepoConfig(path string) (*RepoConfig, error) {
	b, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("workspace: read repo config: %w", err)
	}
	var cfg RepoConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("workspace: parse repo config %s: %w", path, err)
	}
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("workspace: repo config %s: root_dir is required", path)
	}
	return &cfg, nil
}

// ProvisionRepo creates one worktree + workspace row per entry of
// cfg.WorktreeEnvs, idempotent if a matching workspace already exists.
func ProvisionRepo(ctx context.Context, ws *Collection, git gitrepo.Git, cfg RepoConfig) ([]*Workspace, error) {
	worktreesDir := cfg.WorktreesDir
	if worktreesDir == "" {
		worktreesDir = filepath.Join(cfg.RootDir, ".worktrees")
	}

	out := make([]*Workspace, 0, len(cfg.WorktreeEnvs))
	for i, env := range cfg.WorktreeEnvs {
		branch := fmt.Sprintf("%s-%d", cfg.BranchPrefix, i)
		worktreeDir := filepath.Join(worktreesDir, branch)
		if err := git.CreateWorktree(worktreeDir, branch, cfg.InitialRevision); err != nil {
			return nil, fmt.Errorf("workspace: provision worktree %s: %w", branch, err)
		}
		dir := worktreeDir
		if cfg.WorkingSubdir != "" {
			dir = filepath.Join(worktreeDir, cfg.WorkingSubdir)
		}
		w, err := ws.FindOrCreateBy(ctx, map[string]any{"dir": dir}, map[string]any{"env": env})
		if err != nil {
			return nil, fmt.Errorf("workspace: record workspace %s: %w", dir, err)
		}
		out = append(out, w)
	}
	return out, nil
}
