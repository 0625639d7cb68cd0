// Package pipeline implements Component E (spec.md §4.E): a named,
// ordered list of steps bound to a domain record and driven by a Task's
// completed-step trail, giving crash-resume, rewind, and failure-hook
// semantics on top of internal/session's single-LLM-reply-per-step
// contract. It mirrors the teacher's formula→mol "cook" lifecycle
// (cmd/bd/formula.go, internal/molecules) but replaces bead/mol records
// with a generic, store-backed record type via Go generics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/untoldecay/kiln/internal/gitrepo"
	"github.com/untoldecay/kiln/internal/schema"
	"github.com/untoldecay/kiln/internal/session"
	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
	"github.com/untoldecay/kiln/internal/workspace"
)

// Helpers is the argument every step body receives: the bound record, the
// driving task, and handles onto the store, session, and workspace.
type Helpers[R any] struct {
	Ctx       context.Context
	Record    *R
	Task      *task.Task
	Tasks     *task.Collection
	Store     *store.Store
	Workspace *workspace.Workspace
	Session   *session.Session
	Git       gitrepo.Git

	// Feedback carries the reviewer feedback accumulated by the previous
	// review-loop round, joined by AgentReviewLoop into the next iterate
	// prompt's context. Empty outside a review loop and on the first round.
	Feedback []string
	// Diff is the workspace diff computed before each review round, so a
	// Review prompt builder can inline it without shelling out again.
	Diff string

	rewindTo *string
}

// RewindTo marks the current step's run as requiring a restart from
// stepName (spec.md §4.E's rewind_to!): once the current step body
// returns without error, the task's completed-step trail is truncated to
// just before stepName and execution resumes there instead of advancing.
func (h *Helpers[R]) RewindTo(stepName string) { h.rewindTo = &stepName }

// StepFunc is a plain step body.
type StepFunc[R any] func(h *Helpers[R]) error

// AgentPrompt is what an agent step or review-loop round asks the session
// to send.
type AgentPrompt struct {
	Prompt       []string
	CachedPrompt []string
	Tools        []any
	ToolArgs     session.ToolArgs
	Schema       *schema.Schema
	WorkspaceDir string
}

// AgentPromptFunc builds the next prompt from the current record/task state.
type AgentPromptFunc[R any] func(h *Helpers[R]) (AgentPrompt, error)

// LoadFunc loads the domain record a task is bound to.
type LoadFunc[R any] func(ctx context.Context, st *store.Store, id int64) (*R, error)

// UpdateFunc persists a partial update to the domain record, returning the
// refreshed value — the generic analogue of record.update!.
type UpdateFunc[R any] func(ctx context.Context, st *store.Store, id int64, values map[string]any) (*R, error)

// stepOverride holds Formula-supplied tweaks to an AgentStep/AgentReviewLoop
// that was declared programmatically. It is allocated once at registration
// and mutated in place by Family.Build, so the step body (a closure that
// captures the pointer, not its contents) picks up overrides on every run.
type stepOverride struct {
	extraCachedPrompt []string
	maxIterations     int
}

type namedStep[R any] struct {
	name     string
	body     StepFunc[R]
	override *stepOverride
}

// Family is a named, ordered pipeline bound to record type R (spec.md
// §4.E). Build one with NewFamily, declare its steps with Step/AgentStep/
// AgentReviewLoop, then drive tasks through it with Run.
type Family[R any] struct {
	Name   string
	Load   LoadFunc[R]
	Update UpdateFunc[R]

	steps     []namedStep[R]
	onFailure []StepFunc[R]
}

// NewFamily creates an empty Family. name is the handler name tasks bind to
// (task.Task.Handler).
func NewFamily[R any](name string, load LoadFunc[R], update UpdateFunc[R]) *Family[R] {
	return &Family[R]{Name: name, Load: load, Update: update}
}

// Step registers a plain step.
func (f *Family[R]) Step(name string, body StepFunc[R]) {
	f.steps = append(f.steps, namedStep[R]{name: name, body: body, override: &stepOverride{}})
}

// findStep returns the registered step named name, if any.
func (f *Family[R]) findStep(name string) (namedStep[R], bool) {
	for _, s := range f.steps {
		if s.name == name {
			return s, true
		}
	}
	return namedStep[R]{}, false
}

// OnFailure registers a hook run (in registration order) when any step in
// the family returns an error, before the task is marked failed. A hook
// error is logged to the task's error_message alongside the triggering
// step's, never in place of it.
func (f *Family[R]) OnFailure(body StepFunc[R]) {
	f.onFailure = append(f.onFailure, body)
}

// AgentStep registers a step that sends one prompt and hands the reply to
// onResult, matching spec.md §4.D/§4.E's single-reply-per-step contract.
// AbortCostExceeded propagates out of the step (and so out of Run)
// unwrapped; any other unsuccessful ChatResponse fails the step with its
// error message.
func (f *Family[R]) AgentStep(name string, promptFn AgentPromptFunc[R], onResult func(h *Helpers[R], resp session.ChatResponse) error) {
	override := &stepOverride{}
	wrapped := func(h *Helpers[R]) (AgentPrompt, error) {
		ap, err := promptFn(h)
		if err != nil {
			return ap, err
		}
		ap.CachedPrompt = append(append([]string{}, ap.CachedPrompt...), override.extraCachedPrompt...)
		return ap, nil
	}
	f.steps = append(f.steps, namedStep[R]{name: name, override: override, body: func(h *Helpers[R]) error {
		resp, err := runPrompt(h, wrapped, name)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("pipeline: step %q: %s", name, resp.ErrorMessage)
		}
		return onResult(h, resp)
	}})
}

// ReviewLoopSpec configures AgentReviewLoop.
type ReviewLoopSpec[R any] struct {
	// MaxTries bounds implement/review rounds; defaults to 3.
	MaxTries int
	// Implement builds the prompts for the first round; at least one is
	// required (between Implement and Iterate).
	Implement []AgentPromptFunc[R]
	// Iterate builds the prompts for every round after the first; defaults
	// to Implement when empty. Each receives the prior round's reviewer
	// feedback via Helpers.Feedback.
	Iterate []AgentPromptFunc[R]
	// Review builds the prompts that judge the candidate; each schema must
	// yield a boolean "approved" and a string "feedback" field. The round
	// passes only when every reviewer approves.
	Review []AgentPromptFunc[R]
	// OnImplemented runs after each successful Implement/Iterate prompt
	// with its data — record.update! in the source (optional; plain
	// AgentStep-style persistence belongs here).
	OnImplemented func(h *Helpers[R], data map[string]any) error
	// OnReview runs after each review round with the diff the reviewers saw
	// and the feedback they left (empty = approved) — the record.add_review
	// hook from the source. Optional.
	OnReview func(h *Helpers[R], diff string, feedbacks []string) error
}

// AgentReviewLoop registers an iterative implement/review step (spec.md
// §4.E's agent_review_loop): run the implement prompts, show the resulting
// diff to every reviewer, and repeat with the iterate prompts (feedback
// threaded through Helpers.Feedback) until all reviewers approve or
// MaxTries is exhausted. Exhausting the budget completes the step normally;
// only a prompt failure fails the task.
func (f *Family[R]) AgentReviewLoop(name string, spec ReviewLoopSpec[R]) {
	defaultMax := spec.MaxTries
	if defaultMax <= 0 {
		defaultMax = 3
	}
	override := &stepOverride{maxIterations: defaultMax}
	f.steps = append(f.steps, namedStep[R]{name: name, override: override, body: func(h *Helpers[R]) error {
		implement := spec.Implement
		iterate := spec.Iterate
		if len(iterate) == 0 {
			iterate = implement
		}
		if len(implement) == 0 && len(iterate) == 0 {
			return fmt.Errorf("pipeline: review loop %q: implement or iterate prompts required", name)
		}

		max := override.maxIterations
		if max <= 0 {
			max = defaultMax
		}

		var feedbacks []string
		for try := 0; try < max; try++ {
			prompts := iterate
			if try == 0 {
				prompts = implement
			}
			h.Feedback = feedbacks
			for i, p := range prompts {
				resp, err := runPrompt(h, p, fmt.Sprintf("%s.implement[%d.%d]", name, try, i))
				if err != nil {
					return err
				}
				if !resp.Success {
					return fmt.Errorf("pipeline: review loop %q implement: %s", name, resp.ErrorMessage)
				}
				if spec.OnImplemented != nil {
					if err := spec.OnImplemented(h, resp.Data); err != nil {
						return err
					}
				}
			}

			feedbacks = nil
			if h.Git != nil {
				diff, err := h.Git.Diff()
				if err != nil {
					return fmt.Errorf("pipeline: review loop %q diff: %w", name, err)
				}
				h.Diff = diff
			}
			for i, r := range spec.Review {
				resp, err := runPrompt(h, r, fmt.Sprintf("%s.review[%d.%d]", name, try, i))
				if err != nil {
					return err
				}
				if !resp.Success {
					return fmt.Errorf("pipeline: review loop %q review: %s", name, resp.ErrorMessage)
				}
				if approved, _ := resp.Data["approved"].(bool); !approved {
					feedback, _ := resp.Data["feedback"].(string)
					feedbacks = append(feedbacks, feedback)
				}
			}
			if spec.OnReview != nil {
				if err := spec.OnReview(h, h.Diff, feedbacks); err != nil {
					return err
				}
			}
			if len(feedbacks) == 0 {
				return nil
			}
		}
		// Budget exhausted without approval: the step still completes
		// normally; detecting a stuck loop is the caller's responsibility.
		return nil
	}})
}

// JoinFeedback renders Helpers.Feedback the way iterate prompts expect it:
// one block per reviewer, separated by "---" dividers.
func JoinFeedback(feedbacks []string) string {
	return strings.Join(feedbacks, "\n---\n")
}

// runPrompt builds opts from a prompt function and sends it, wiring
// OnChatCreated to append the new chat id to the task's audit trail. The
// append is written as soon as the chat exists, outside any transaction, so
// it is committed even if the step later fails.
func runPrompt[R any](h *Helpers[R], promptFn AgentPromptFunc[R], label string) (session.ChatResponse, error) {
	ap, err := promptFn(h)
	if err != nil {
		return session.ChatResponse{}, fmt.Errorf("pipeline: %s: build prompt: %w", label, err)
	}
	return h.Session.Prompt(h.Ctx, session.PromptOptions{
		Prompt:       ap.Prompt,
		Schema:       ap.Schema,
		CachedPrompt: ap.CachedPrompt,
		Tools:        ap.Tools,
		ToolArgs:     ap.ToolArgs,
		WorkspaceDir: ap.WorkspaceDir,
		OnChatCreated: func(id string) {
			_, _ = task.AppendChatID(h.Ctx, h.Tasks, h.Task, id)
			h.Task.ChatIDs = append(h.Task.ChatIDs, id)
		},
	})
}

// Run drives t through f from its completed-step trail's resume point
// (spec.md §4.E): already-completed steps are skipped, each remaining step
// runs once, and a RewindTo call truncates the trail and jumps back
// instead of advancing. Each change to t's status and completed-step trail
// happens in its own store.Transaction, after the step body has returned.
// The step body itself, its chat-id appends, and the on_failure hooks run
// outside any transaction, so their writes are not rolled back when the
// step fails.
func (f *Family[R]) Run(ctx context.Context, st *store.Store, tasks *task.Collection, sess *session.Session, ws *workspace.Workspace, git gitrepo.Git, t *task.Task) error {
	if !t.Pending() {
		// Re-running a terminal task is a no-op: done stays done, failed is
		// only re-attempted by explicit operator action.
		return nil
	}
	if t.RecordID == nil {
		return fmt.Errorf("pipeline: task %d has no bound record", t.ID)
	}
	record, err := f.Load(ctx, st, *t.RecordID)
	if err != nil {
		return fmt.Errorf("pipeline: load record for task %d: %w", t.ID, err)
	}

	idx := f.resumeIndex(t)
	for idx < len(f.steps) {
		step := f.steps[idx]
		h := &Helpers[R]{
			Ctx:       ctx,
			Record:    record,
			Task:      t,
			Tasks:     tasks,
			Store:     st,
			Workspace: ws,
			Session:   sess,
			Git:       git,
		}

		stepErr := step.body(h)
		if stepErr != nil {
			var abort *session.ErrAbortCostExceeded
			if errors.As(stepErr, &abort) {
				// AbortCostExceeded is still recorded on the task, but it is
				// re-raised unwrapped instead of being swallowed into the
				// ordinary failure path — the Processor treats it as an
				// operator-visible emergency stop, not a per-task failure.
				_ = f.fail(ctx, st, tasks, t, record, step.name, stepErr)
				return stepErr
			}
			return f.fail(ctx, st, tasks, t, record, step.name, stepErr)
		}

		if h.rewindTo != nil {
			target := *h.rewindTo
			targetIdx := f.indexOf(target)
			if targetIdx < 0 {
				return f.fail(ctx, st, tasks, t, record, step.name, fmt.Errorf("pipeline: rewind_to unknown step %q", target))
			}
			// The target must appear exactly once in the completed trail;
			// zero or ambiguous matches are a hard error (spec.md §4.E).
			matches, pos := 0, -1
			for i, s := range t.CompletedSteps {
				if s == target {
					matches++
					if pos < 0 {
						pos = i
					}
				}
			}
			if matches != 1 {
				return f.fail(ctx, st, tasks, t, record, step.name,
					fmt.Errorf("pipeline: rewind_to %q: target appears %d times in completed steps, want exactly 1", target, matches))
			}
			if err := st.Transaction(ctx, func(ctx context.Context) error {
				updated, err := task.TruncateCompletedSteps(ctx, tasks, t, pos)
				if err != nil {
					return err
				}
				*t = *updated
				return nil
			}); err != nil {
				return fmt.Errorf("pipeline: rewind task %d: %w", t.ID, err)
			}
			idx = targetIdx
			continue
		}

		if err := st.Transaction(ctx, func(ctx context.Context) error {
			updated, err := task.AppendCompletedStep(ctx, tasks, t, step.name)
			if err != nil {
				return err
			}
			*t = *updated
			return nil
		}); err != nil {
			return fmt.Errorf("pipeline: record step %q complete: %w", step.name, err)
		}
		idx++
	}

	return st.Transaction(ctx, func(ctx context.Context) error {
		updated, err := task.MarkDone(ctx, tasks, t)
		if err != nil {
			return err
		}
		*t = *updated
		return nil
	})
}

// resumeIndex returns the index of the first step not already in t's
// completed-step trail, so a resumed task skips work it already did.
func (f *Family[R]) resumeIndex(t *task.Task) int {
	i := 0
	for i < len(f.steps) && t.HasCompletedStep(f.steps[i].name) {
		i++
	}
	return i
}

func (f *Family[R]) indexOf(name string) int {
	for i, s := range f.steps {
		if s.name == name {
			return i
		}
	}
	return -1
}

// fail runs the family's on_failure hooks (best-effort; a hook error is
// appended to the task's error message rather than replacing the original
// cause) and transitions t to failed.
func (f *Family[R]) fail(ctx context.Context, st *store.Store, tasks *task.Collection, t *task.Task, record *R, stepName string, cause error) error {
	message := fmt.Sprintf("step %q: %v", stepName, cause)
	for _, hook := range f.onFailure {
		h := &Helpers[R]{Ctx: ctx, Task: t, Record: record}
		if hookErr := hook(h); hookErr != nil {
			message = fmt.Sprintf("%s (on_failure hook also failed: %v)", message, hookErr)
		}
	}
	if txErr := st.Transaction(ctx, func(ctx context.Context) error {
		updated, err := task.Fail(ctx, tasks, t, message)
		if err != nil {
			return err
		}
		*t = *updated
		return nil
	}); txErr != nil {
		return fmt.Errorf("pipeline: mark task %d failed: %w (original: %s)", t.ID, txErr, message)
	}
	return fmt.Errorf("pipeline: %s", message)
}
