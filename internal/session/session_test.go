package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/untoldecay/kiln/internal/chatbackend"
	"github.com/untoldecay/kiln/internal/costs"
	"github.com/untoldecay/kiln/internal/schema"
	"github.com/untoldecay/kiln/internal/session"
	"github.com/untoldecay/kiln/internal/store"
)

// fixedOracle always reports the same costs, standing in for a preloaded
// pricing table.
type fixedOracle struct{ cost costs.Cost }

func (o fixedOracle) Cost(context.Context, string, string) (costs.Cost, error) {
	return o.cost, nil
}

func newTestSession(t *testing.T, cfg session.Config, backend chatbackend.Backend, oracle costs.Oracle, tools map[string]session.ToolFactory) *session.Session {
	t.Helper()
	s, err := store.Open(t.TempDir(), "session", store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if cfg.Project == "" {
		cfg.Project = "proj"
	}
	if cfg.RunID == "" {
		cfg.RunID = "run-1"
	}
	return session.New(cfg, s, backend, oracle, tools)
}

func TestPromptSuccess(t *testing.T) {
	backend := chatbackend.NewFakeBackend()
	backend.Script("", `{"title": "hello"}`)
	sess := newTestSession(t, session.Config{}, backend, nil, nil)

	sch, err := schema.Build(schema.String("title"))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	var chatID string
	resp, err := sess.Prompt(context.Background(), session.PromptOptions{
		Prompt:        []string{"write", "a title"},
		Schema:        sch,
		OnChatCreated: func(id string) { chatID = id },
	})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !resp.Success {
		t.Fatalf("prompt failed: %s", resp.ErrorMessage)
	}
	if resp.Data["title"] != "hello" {
		t.Errorf("title = %v, want hello", resp.Data["title"])
	}
	if chatID == "" {
		t.Error("OnChatCreated was not invoked")
	}
}

func TestPromptErrorEnvelope(t *testing.T) {
	backend := chatbackend.NewFakeBackend()
	backend.Script("", `{"unable_to_fulfill_request_error": "cannot comply"}`)
	sess := newTestSession(t, session.Config{}, backend, nil, nil)

	resp, err := sess.Prompt(context.Background(), session.PromptOptions{Prompt: []string{"do the impossible"}})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if resp.Success {
		t.Fatal("expected error response")
	}
	if resp.ErrorMessage != "cannot comply" {
		t.Errorf("error message = %q, want %q", resp.ErrorMessage, "cannot comply")
	}
}

func TestPromptCapturesFailuresAsErrorResponse(t *testing.T) {
	backend := chatbackend.NewFakeBackend()
	// Five malformed replies exhaust Get's retry budget.
	backend.Script("", "bad", "bad", "bad", "bad", "bad")
	sess := newTestSession(t, session.Config{}, backend, nil, nil)

	resp, err := sess.Prompt(context.Background(), session.PromptOptions{Prompt: []string{"q"}})
	if err != nil {
		t.Fatalf("prompt should capture the failure, got %v", err)
	}
	if resp.Success {
		t.Fatal("expected captured error response")
	}
	if resp.ErrorClass == "" || resp.ErrorMessage == "" {
		t.Errorf("error response missing class/message: %+v", resp)
	}
}

func TestSpendAbortProject(t *testing.T) {
	backend := chatbackend.NewFakeBackend()
	backend.Script("", `{"ok": true}`)
	sess := newTestSession(t, session.Config{MaxSpendProject: 1.0}, backend,
		fixedOracle{cost: costs.Cost{Project: 1.8, Run: 0.2}}, nil)

	_, err := sess.Prompt(context.Background(), session.PromptOptions{Prompt: []string{"q"}})
	var abort *session.ErrAbortCostExceeded
	if !errors.As(err, &abort) {
		t.Fatalf("got %v, want ErrAbortCostExceeded", err)
	}
	if abort.CostType != "project" || abort.CurrentCost != 1.8 || abort.Threshold != 1.0 {
		t.Errorf("abort fields = %+v", abort)
	}
	if abort.Error() != "Abort: project cost $1.80 exceeds threshold $1.00" {
		t.Errorf("message = %q", abort.Error())
	}
}

func TestSpendAbortRun(t *testing.T) {
	backend := chatbackend.NewFakeBackend()
	backend.Script("", `{"ok": true}`)
	sess := newTestSession(t, session.Config{MaxSpendRun: 0.5}, backend,
		fixedOracle{cost: costs.Cost{Project: 0.6, Run: 0.6}}, nil)

	_, err := sess.Prompt(context.Background(), session.PromptOptions{Prompt: []string{"q"}})
	var abort *session.ErrAbortCostExceeded
	if !errors.As(err, &abort) {
		t.Fatalf("got %v, want ErrAbortCostExceeded", err)
	}
	if abort.CostType != "run" {
		t.Errorf("cost type = %q, want run", abort.CostType)
	}
}

// echoTool is a minimal chatbackend.Tool for resolution tests.
type echoTool struct{ workspaceDir string }

func (e *echoTool) Name() string                 { return "echo" }
func (e *echoTool) Description() string          { return "echoes input" }
func (e *echoTool) InputSchema() map[string]any  { return map[string]any{"type": "object"} }
func (e *echoTool) Call(_ context.Context, args map[string]any) (string, error) {
	return "echo", nil
}

func TestToolResolution(t *testing.T) {
	backend := chatbackend.NewFakeBackend()
	backend.Script("", `{"ok": true}`, `{"ok": true}`, `{"ok": true}`)

	var gotWorkspaceDir string
	factory := func(args session.ToolArgs) (chatbackend.Tool, error) {
		gotWorkspaceDir, _ = args["workspace_dir"].(string)
		return &echoTool{workspaceDir: gotWorkspaceDir}, nil
	}
	sess := newTestSession(t, session.Config{WorkspaceDir: "/work/default"}, backend, nil,
		map[string]session.ToolFactory{"echo": factory})

	// By instance, by factory, by name — all three dispatch arms.
	for _, ref := range []any{any(&echoTool{}), any(session.ToolFactory(factory)), any("echo")} {
		resp, err := sess.Prompt(context.Background(), session.PromptOptions{
			Prompt: []string{"q"},
			Tools:  []any{ref},
		})
		if err != nil {
			t.Fatalf("prompt with tool %T: %v", ref, err)
		}
		if !resp.Success {
			t.Fatalf("prompt with tool %T failed: %s", ref, resp.ErrorMessage)
		}
	}
	if gotWorkspaceDir != "/work/default" {
		t.Errorf("workspace_dir = %q, want the session default", gotWorkspaceDir)
	}
}

func TestUnknownToolListsRegistry(t *testing.T) {
	backend := chatbackend.NewFakeBackend()
	sess := newTestSession(t, session.Config{}, backend, nil,
		map[string]session.ToolFactory{"known": func(session.ToolArgs) (chatbackend.Tool, error) { return &echoTool{}, nil }})

	resp, err := sess.Prompt(context.Background(), session.PromptOptions{
		Prompt: []string{"q"},
		Tools:  []any{"nonexistent"},
	})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if resp.Success {
		t.Fatal("expected tool resolution failure")
	}
	if !strings.Contains(resp.ErrorMessage, "nonexistent") || !strings.Contains(resp.ErrorMessage, "known") {
		t.Errorf("error should name the unknown tool and the registry, got %q", resp.ErrorMessage)
	}
}
