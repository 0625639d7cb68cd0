// Package task implements Component B (spec.md §3/§4.B): the persistent
// record representing one pipeline invocation of one domain record through
// one pipeline family.
package task

import (
	"context"
	"fmt"

	"github.com/untoldecay/kiln/internal/store"
)

// Status is the task lifecycle state, per spec.md §3.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task mirrors spec.md §3's Task entity. RecordType/RecordID/WorkspaceID are
// optional (polymorphic record binding, deferred workspace binding); NotBefore
// is SPEC_FULL.md §5's additive field backing the `--after` CLI convenience.
type Task struct {
	ID             int64    `db:"id"`
	Status         Status   `db:"status"`
	CompletedSteps []string `db:"completed_steps"`
	RecordType     *string  `db:"record_type"`
	RecordID       *int64   `db:"record_id"`
	WorkspaceID    *int64   `db:"workspace_id"`
	Handler        string   `db:"handler"`
	ErrorMessage   *string  `db:"error_message"`
	ChatIDs        []string `db:"chat_ids"`
	NotBefore      *string  `db:"not_before"`
	CreatedAt      string   `db:"created_at"`
	UpdatedAt      string   `db:"updated_at"`
}

func init() {
	store.Register(store.Define("task", []store.ColumnDef{
		store.StringColumnDefault("status", string(StatusPending)),
		store.JSONColumn("completed_steps", "[]"),
		store.StringColumn("record_type"),
		store.IntColumn("record_id"),
		store.IntColumn("workspace_id"),
		store.StringColumn("handler"),
		store.StringColumn("error_message"),
		store.JSONColumn("chat_ids", "[]"),
	}, store.WithBeforeCreate(normalizeNewTask)))
}

func normalizeNewTask(values map[string]any) error {
	if values["handler"] == nil || values["handler"] == "" {
		return fmt.Errorf("task: handler is required")
	}
	if _, ok := values["status"]; !ok {
		values["status"] = string(StatusPending)
	}
	if _, ok := values["completed_steps"]; !ok {
		values["completed_steps"] = []string{}
	}
	if _, ok := values["chat_ids"]; !ok {
		values["chat_ids"] = []string{}
	}
	return nil
}

// Collection is the typed CRUD handle for the tasks table.
type Collection = store.Collection[Task]

// Pending reports whether t is still runnable.
func (t *Task) Pending() bool { return t.Status == StatusPending }

// Done reports whether t completed successfully.
func (t *Task) Done() bool { return t.Status == StatusDone }

// Failed reports whether t is in the terminal failed state.
func (t *Task) Failed() bool { return t.Status == StatusFailed }

// HasCompletedStep reports whether name already appears in CompletedSteps.
func (t *Task) HasCompletedStep(name string) bool {
	for _, s := range t.CompletedSteps {
		if s == name {
			return true
		}
	}
	return false
}

// Fail transitions t to failed with the given message. Per spec.md §4.B this
// must only be called from inside a store.Transaction.
func Fail(ctx context.Context, tasks *Collection, t *Task, message string) (*Task, error) {
	return tasks.Update(ctx, t.ID, map[string]any{
		"status":        string(StatusFailed),
		"error_message": message,
	})
}

// MarkDone transitions t to done.
func MarkDone(ctx context.Context, tasks *Collection, t *Task) (*Task, error) {
	return tasks.Update(ctx, t.ID, map[string]any{"status": string(StatusDone)})
}

// AppendCompletedStep appends name to t's completed-step trail.
func AppendCompletedStep(ctx context.Context, tasks *Collection, t *Task, name string) (*Task, error) {
	steps := append(append([]string{}, t.CompletedSteps...), name)
	return tasks.Update(ctx, t.ID, map[string]any{"completed_steps": steps})
}

// TruncateCompletedSteps keeps only the first n entries of t's trail,
// implementing rewind_to!'s truncation.
func TruncateCompletedSteps(ctx context.Context, tasks *Collection, t *Task, n int) (*Task, error) {
	kept := append([]string{}, t.CompletedSteps[:n]...)
	return tasks.Update(ctx, t.ID, map[string]any{"completed_steps": kept})
}

// AppendChatID records a newly-created chat id on the task's audit trail.
func AppendChatID(ctx context.Context, tasks *Collection, t *Task, chatID string) (*Task, error) {
	ids := append(append([]string{}, t.ChatIDs...), chatID)
	return tasks.Update(ctx, t.ID, map[string]any{"chat_ids": ids})
}

// BindWorkspace assigns a workspace id to an unbound task. Must run inside
// the same transaction that claimed the task, per spec.md §4.F / §8.5.
func BindWorkspace(ctx context.Context, tasks *Collection, t *Task, workspaceID int64) (*Task, error) {
	return tasks.Update(ctx, t.ID, map[string]any{"workspace_id": workspaceID})
}

// SetNotBefore stamps the earliest time this task may be claimed.
func SetNotBefore(ctx context.Context, tasks *Collection, t *Task, rfc3339 string) (*Task, error) {
	return tasks.Update(ctx, t.ID, map[string]any{"not_before": rfc3339})
}
