package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/untoldecay/kiln/internal/pipeline"
	"github.com/untoldecay/kiln/internal/schema"
)

func writeFormula(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "draft.formula.toml")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write formula: %v", err)
	}
	return path
}

func TestFormulaReordersAndSubsets(t *testing.T) {
	e := newEnv(t)
	var order []string

	f := e.newFamily("article")
	for _, name := range []string{"outline", "draft", "polish"} {
		f.Step(name, func(h *pipeline.Helpers[article]) error {
			order = append(order, name)
			return nil
		})
	}

	formula, err := pipeline.LoadFormula(writeFormula(t, `
name = "quick-draft"
description = "skip the polish pass"

[[steps]]
name = "outline"

[[steps]]
name = "draft"
depends_on = ["outline"]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	built, err := f.Build(formula)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if built.Name != "quick-draft" {
		t.Errorf("name = %q", built.Name)
	}

	tk := e.seedTask(t, "quick-draft", nil)
	if err := built.Run(context.Background(), e.store, e.tasks, e.session, nil, nil, tk); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 2 || order[0] != "outline" || order[1] != "draft" {
		t.Errorf("order = %v, want [outline draft]", order)
	}
}

func TestFormulaRejectsUnknownStep(t *testing.T) {
	e := newEnv(t)
	f := e.newFamily("article")
	f.Step("known", func(h *pipeline.Helpers[article]) error { return nil })

	formula, err := pipeline.LoadFormula(writeFormula(t, `
name = "broken"

[[steps]]
name = "mystery"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := f.Build(formula); err == nil {
		t.Error("unknown step should be rejected")
	}
}

func TestFormulaRejectsForwardDependency(t *testing.T) {
	e := newEnv(t)
	f := e.newFamily("article")
	f.Step("a", func(h *pipeline.Helpers[article]) error { return nil })
	f.Step("b", func(h *pipeline.Helpers[article]) error { return nil })

	formula, err := pipeline.LoadFormula(writeFormula(t, `
name = "backward"

[[steps]]
name = "b"
depends_on = ["a"]

[[steps]]
name = "a"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := f.Build(formula); err == nil {
		t.Error("dependency on a later step should be rejected")
	}
}

func TestFormulaOverridesReviewLoopBudget(t *testing.T) {
	e := newEnv(t,
		`{"attr": "x_1"}`,
		`{"approved": false, "feedback": "no"}`,
	)
	implementSchema, err := schema.Build(schema.String("attr"))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	reviewSchema, err := schema.Build(schema.Bool("approved"), schema.String("feedback"))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	f := e.newFamily("article")
	f.AgentReviewLoop("r", pipeline.ReviewLoopSpec[article]{
		MaxTries: 5,
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

	formula, err := pipeline.LoadFormula(writeFormula(t, `
name = "one-shot"

[[steps]]
name = "r"

[steps.agent_step]
max_iterations = 1
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	built, err := f.Build(formula)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Only two scripted replies: with the budget overridden to 1 round, the
	// loop must stop after one implement + one review.
	tk := e.seedTask(t, "one-shot", nil)
	if err := built.Run(context.Background(), e.store, e.tasks, e.session, nil, nil, tk); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := e.tasks.Find(context.Background(), tk.ID)
	if !got.Done() {
		t.Errorf("status = %s, want done", got.Status)
	}
}
