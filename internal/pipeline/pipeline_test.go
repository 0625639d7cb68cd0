package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/untoldecay/kiln/internal/chat"
	"github.com/untoldecay/kiln/internal/chatbackend"
	"github.com/untoldecay/kiln/internal/pipeline"
	"github.com/untoldecay/kiln/internal/schema"
	"github.com/untoldecay/kiln/internal/session"
	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
)

// article is the domain record the test pipelines operate on.
type article struct {
	ID        int64  `db:"id"`
	Attr      string `db:"attr"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

// env bundles everything a pipeline run needs.
type env struct {
	store    *store.Store
	tasks    *task.Collection
	articles *store.Collection[article]
	session  *session.Session
	backend  *chatbackend.FakeBackend
}

func newEnv(t *testing.T, replies ...string) *env {
	t.Helper()
	s, err := store.Open(t.TempDir(), "pipeline", store.Options{Versioned: true},
		store.Define("article", []store.ColumnDef{store.StringColumn("attr")}))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	backend := chatbackend.NewFakeBackend()
	backend.Script("", replies...)
	sess := session.New(session.Config{Project: "proj", RunID: "run-1"}, s, backend, nil, nil)

	return &env{
		store:    s,
		tasks:    store.NewCollection[task.Task](s, "task"),
		articles: store.NewCollection[article](s, "article"),
		session:  sess,
		backend:  backend,
	}
}

func (e *env) newFamily(name string) *pipeline.Family[article] {
	return pipeline.NewFamily[article](name,
		func(ctx context.Context, st *store.Store, id int64) (*article, error) {
			return store.NewCollection[article](st, "article").Find(ctx, id)
		},
		func(ctx context.Context, st *store.Store, id int64, values map[string]any) (*article, error) {
			return store.NewCollection[article](st, "article").Update(ctx, id, values)
		})
}

// seedTask creates an article plus its pending task, optionally preloading
// the completed-step trail.
func (e *env) seedTask(t *testing.T, handler string, completed []string) *task.Task {
	t.Helper()
	ctx := context.Background()
	var created *task.Task
	err := e.store.Transaction(ctx, func(ctx context.Context) error {
		rec, err := e.articles.Create(ctx, map[string]any{"attr": "initial"})
		if err != nil {
			return err
		}
		values := map[string]any{
			"record_type": "article",
			"record_id":   rec.ID,
			"handler":     handler,
		}
		if completed != nil {
			values["completed_steps"] = completed
		}
		created, err = e.tasks.Create(ctx, values)
		return err
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return created
}

func (e *env) run(t *testing.T, f *pipeline.Family[article], tk *task.Task) error {
	t.Helper()
	return f.Run(context.Background(), e.store, e.tasks, e.session, nil, nil, tk)
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	e := newEnv(t)
	counts := map[string]int{}

	f := e.newFamily("article")
	for _, name := range []string{"s1", "s2", "s3"} {
		f.Step(name, func(h *pipeline.Helpers[article]) error {
			counts[name]++
			return nil
		})
	}

	tk := e.seedTask(t, "article", []string{"s1"})
	if err := e.run(t, f, tk); err != nil {
		t.Fatalf("run: %v", err)
	}

	if counts["s1"] != 0 {
		t.Errorf("s1 ran %d times, want 0 (already completed)", counts["s1"])
	}
	if counts["s2"] != 1 || counts["s3"] != 1 {
		t.Errorf("s2/s3 ran %d/%d times, want 1/1", counts["s2"], counts["s3"])
	}

	got, err := e.tasks.Find(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.Done() {
		t.Errorf("status = %s, want done", got.Status)
	}
	want := []string{"s1", "s2", "s3"}
	if fmt.Sprint(got.CompletedSteps) != fmt.Sprint(want) {
		t.Errorf("completed = %v, want %v", got.CompletedSteps, want)
	}
}

func TestRewindReExecutesFromTarget(t *testing.T) {
	e := newEnv(t)
	counts := map[string]int{}

	f := e.newFamily("article")
	f.Step("a", func(h *pipeline.Helpers[article]) error { counts["a"]++; return nil })
	f.Step("b", func(h *pipeline.Helpers[article]) error { counts["b"]++; return nil })
	f.Step("c", func(h *pipeline.Helpers[article]) error {
		counts["c"]++
		if counts["c"] == 1 {
			h.RewindTo("b")
		}
		return nil
	})

	tk := e.seedTask(t, "article", nil)
	if err := e.run(t, f, tk); err != nil {
		t.Fatalf("run: %v", err)
	}

	if counts["a"] != 1 || counts["b"] != 2 || counts["c"] != 2 {
		t.Errorf("a/b/c ran %d/%d/%d times, want 1/2/2", counts["a"], counts["b"], counts["c"])
	}

	got, _ := e.tasks.Find(context.Background(), tk.ID)
	want := []string{"a", "b", "c"}
	if fmt.Sprint(got.CompletedSteps) != fmt.Sprint(want) {
		t.Errorf("completed = %v, want %v", got.CompletedSteps, want)
	}
	if !got.Done() {
		t.Errorf("status = %s, want done", got.Status)
	}
}

func TestRewindToNeverCompletedStepFailsTask(t *testing.T) {
	e := newEnv(t)

	f := e.newFamily("article")
	f.Step("a", func(h *pipeline.Helpers[article]) error {
		h.RewindTo("z")
		return nil
	})
	f.Step("z", func(h *pipeline.Helpers[article]) error { return nil })

	tk := e.seedTask(t, "article", nil)
	if err := e.run(t, f, tk); err == nil {
		t.Fatal("expected rewind error")
	}

	got, _ := e.tasks.Find(context.Background(), tk.ID)
	if !got.Failed() {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestStepErrorFailsTaskAndRunsOnFailureHooks(t *testing.T) {
	e := newEnv(t)
	var hookOrder []string

	f := e.newFamily("article")
	f.Step("explode", func(h *pipeline.Helpers[article]) error {
		return errors.New("kaboom")
	})
	f.OnFailure(func(h *pipeline.Helpers[article]) error {
		hookOrder = append(hookOrder, "first")
		return nil
	})
	f.OnFailure(func(h *pipeline.Helpers[article]) error {
		hookOrder = append(hookOrder, "second")
		return errors.New("hook trouble")
	})

	tk := e.seedTask(t, "article", nil)
	if err := e.run(t, f, tk); err == nil {
		t.Fatal("expected step error")
	}

	if fmt.Sprint(hookOrder) != fmt.Sprint([]string{"first", "second"}) {
		t.Errorf("hook order = %v", hookOrder)
	}

	got, _ := e.tasks.Find(context.Background(), tk.ID)
	if !got.Failed() {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	msg := *got.ErrorMessage
	if !strings.Contains(msg, "kaboom") {
		t.Errorf("error message should carry the step error, got %q", msg)
	}
	if !strings.Contains(msg, "hook trouble") {
		t.Errorf("hook error should be absorbed into the message, got %q", msg)
	}
}

func TestRunOnTerminalTaskIsNoOp(t *testing.T) {
	e := newEnv(t)
	ran := false

	f := e.newFamily("article")
	f.Step("only", func(h *pipeline.Helpers[article]) error { ran = true; return nil })

	tk := e.seedTask(t, "article", nil)
	ctx := context.Background()
	err := e.store.Transaction(ctx, func(ctx context.Context) error {
		updated, err := task.MarkDone(ctx, e.tasks, tk)
		if err == nil {
			*tk = *updated
		}
		return err
	})
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}

	if err := e.run(t, f, tk); err != nil {
		t.Fatalf("run on done task: %v", err)
	}
	if ran {
		t.Error("step ran on an already-done task")
	}
}

func TestAgentStepUpdatesRecordAndAuditTrail(t *testing.T) {
	e := newEnv(t, `{"attr": "from the model"}`)

	sch, err := schema.Build(schema.String("attr"))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	f := e.newFamily("article")
	f.AgentStep("draft",
		func(h *pipeline.Helpers[article]) (pipeline.AgentPrompt, error) {
			return pipeline.AgentPrompt{Prompt: []string{"draft it"}, Schema: sch}, nil
		},
		func(h *pipeline.Helpers[article], resp session.ChatResponse) error {
			updated, err := f.Update(h.Ctx, h.Store, h.Record.ID, map[string]any{"attr": resp.Data["attr"]})
			if err == nil {
				*h.Record = *updated
			}
			return err
		})

	tk := e.seedTask(t, "article", nil)
	if err := e.run(t, f, tk); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := e.articles.Find(context.Background(), *tk.RecordID)
	if got.Attr != "from the model" {
		t.Errorf("attr = %q, want the model's answer", got.Attr)
	}

	reloaded, _ := e.tasks.Find(context.Background(), tk.ID)
	if len(reloaded.ChatIDs) != 1 {
		t.Errorf("chat_ids = %v, want one entry", reloaded.ChatIDs)
	}
}

// fakeGit satisfies the pipeline's Git needs with a canned diff.
type fakeGit struct{ diff string }

func (g *fakeGit) CreateWorktree(string, string, string) error { return nil }
func (g *fakeGit) Diff() (string, error)                       { return g.diff, nil }
func (g *fakeGit) Status() (string, error)                     { return "", nil }
func (g *fakeGit) CommitAll(string) (string, error)            { return "rev", nil }
func (g *fakeGit) LastRevision() (string, error)               { return "rev", nil }
func (g *fakeGit) ResetHardAll() error                         { return nil }
func (g *fakeGit) UncommittedChanges() (bool, error)           { return false, nil }

func TestReviewLoopSucceedsOnSecondTry(t *testing.T) {
	// Round 1: implement -> review rejects. Round 2: iterate -> review
	// approves. Exactly four model invocations.
	e := newEnv(t,
		`{"attr": "x_1"}`,
		`{"approved": false, "feedback": "nope"}`,
		`{"attr": "x_2"}`,
		`{"approved": true, "feedback": ""}`,
	)

	implementSchema, err := schema.Build(schema.String("attr"))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	reviewSchema, err := schema.Build(schema.Bool("approved"), schema.String("feedback"))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	implCalls := 0
	var secondRoundFeedback string
	var reviewedDiff string

	f := e.newFamily("article")
	f.AgentReviewLoop("r", pipeline.ReviewLoopSpec[article]{
		MaxTries: 3,
		Implement: []pipeline.AgentPromptFunc[article]{
			func(h *pipeline.Helpers[article]) (pipeline.AgentPrompt, error) {
				implCalls++
				if implCalls > 1 {
					secondRoundFeedback = pipeline.JoinFeedback(h.Feedback)
				}
				return pipeline.AgentPrompt{Prompt: []string{"implement"}, Schema: implementSchema}, nil
			},
		},
		Review: []pipeline.AgentPromptFunc[article]{
			func(h *pipeline.Helpers[article]) (pipeline.AgentPrompt, error) {
				reviewedDiff = h.Diff
				return pipeline.AgentPrompt{Prompt: []string{"review", h.Diff}, Schema: reviewSchema}, nil
			},
		},
		OnImplemented: func(h *pipeline.Helpers[article], data map[string]any) error {
			updated, err := f.Update(h.Ctx, h.Store, h.Record.ID, map[string]any{"attr": data["attr"]})
			if err == nil {
				*h.Record = *updated
			}
			return err
		},
	})

	tk := e.seedTask(t, "article", nil)
	if err := f.Run(context.Background(), e.store, e.tasks, e.session, nil, &fakeGit{diff: "THE DIFF"}, tk); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := e.tasks.Find(context.Background(), tk.ID)
	if !got.Done() {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if fmt.Sprint(got.CompletedSteps) != fmt.Sprint([]string{"r"}) {
		t.Errorf("completed = %v, want [r]", got.CompletedSteps)
	}

	rec, _ := e.articles.Find(context.Background(), *tk.RecordID)
	if rec.Attr != "x_2" {
		t.Errorf("attr = %q, want x_2 (second implement round)", rec.Attr)
	}
	if implCalls != 2 {
		t.Errorf("implement prompts built %d times, want 2", implCalls)
	}
	if secondRoundFeedback != "nope" {
		t.Errorf("second round feedback = %q, want the reviewer's", secondRoundFeedback)
	}
	if reviewedDiff != "THE DIFF" {
		t.Errorf("review saw diff %q", reviewedDiff)
	}

	// Exactly 4 model invocations: implement, review, iterate, review.
	audit := chat.NewAuditStore(e.store)
	chats, err := audit.Chats.Count(context.Background())
	if err != nil {
		t.Fatalf("count chats: %v", err)
	}
	if chats != 4 {
		t.Errorf("got %d chats, want 4", chats)
	}
}

func TestReviewLoopExhaustedBudgetCompletesStep(t *testing.T) {
	e := newEnv(t,
		`{"attr": "x_1"}`,
		`{"approved": false, "feedback": "still nope"}`,
		`{"attr": "x_2"}`,
		`{"approved": false, "feedback": "still nope"}`,
	)

	implementSchema, _ := schema.Build(schema.String("attr"))
	reviewSchema, _ := schema.Build(schema.Bool("approved"), schema.String("feedback"))

	f := e.newFamily("article")
	f.AgentReviewLoop("r", pipeline.ReviewLoopSpec[article]{
		MaxTries: 2,
		Implement: []pipeline.AgentPromptFunc[article]{
			func(h *pipeline.Helpers[article]) (pipeline.AgentPrompt, error) {
				return pipeline.AgentPrompt{Prompt: []string{"implement"}, Schema: implementSchema}, nil
			},
		},
		Review: []pipeline.AgentPromptFunc[article]{
			func(h *pipeline.Helpers[article]) (pipeline.AgentPrompt, error) {
				return pipeline.AgentPrompt{Prompt: []string{"review"}, Schema: reviewSchema}, nil
			},
		},
	})

	tk := e.seedTask(t, "article", nil)
	if err := e.run(t, f, tk); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := e.tasks.Find(context.Background(), tk.ID)
	if !got.Done() {
		t.Errorf("status = %s, want done (budget exhaustion is not a failure)", got.Status)
	}
}
