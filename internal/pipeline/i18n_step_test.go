package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/untoldecay/kiln/internal/i18n"
)

func loadPack(t *testing.T, content string) *i18n.Service {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "steps.yaml"), []byte(content), 0o640); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	pack, err := i18n.Load(dir)
	if err != nil {
		t.Fatalf("load pack: %v", err)
	}
	return pack
}

func TestAgentStepI18nDerivesPromptAndSchema(t *testing.T) {
	e := newEnv(t)
	// The cached prompt doubles as the fake backend's script label.
	e.backend.Script("You write concise prose.", `{"attr": "written by the model"}`)
	pack := loadPack(t, `
write_draft:
  prompt: "Draft an article titled {{.attr}}."
  cached_prompts:
    - "You write concise prose."
  response_schema:
    attr: string
`)

	f := e.newFamily("article")
	f.AgentStepI18n("write_draft", pack, func(r *article) map[string]any {
		return map[string]any{"attr": r.Attr}
	})

	tk := e.seedTask(t, "article", nil)
	if err := e.run(t, f, tk); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := e.articles.Find(context.Background(), *tk.RecordID)
	if got.Attr != "written by the model" {
		t.Errorf("attr = %q, want the model reply persisted via Update", got.Attr)
	}

	reloaded, _ := e.tasks.Find(context.Background(), tk.ID)
	if !reloaded.Done() {
		t.Errorf("status = %s, want done", reloaded.Status)
	}
}

func TestAgentStepI18nMissingPromptFailsTask(t *testing.T) {
	e := newEnv(t)
	pack := loadPack(t, "other:\n  prompt: unrelated\n")

	f := e.newFamily("article")
	f.AgentStepI18n("write_draft", pack, nil)

	tk := e.seedTask(t, "article", nil)
	if err := e.run(t, f, tk); err == nil {
		t.Fatal("missing prompt key should fail the step")
	}

	got, _ := e.tasks.Find(context.Background(), tk.ID)
	if !got.Failed() {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(*got.ErrorMessage, "write_draft") {
		t.Errorf("error message should name the step, got %q", *got.ErrorMessage)
	}
}
