// Package session implements Component D (spec.md §4.D): the aggregate of
// store handle, LLM transport, cost oracle, spend limits, and tool registry
// that every pipeline step runs against.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/untoldecay/kiln/internal/chat"
	"github.com/untoldecay/kiln/internal/chatbackend"
	"github.com/untoldecay/kiln/internal/costs"
	"github.com/untoldecay/kiln/internal/logging"
	"github.com/untoldecay/kiln/internal/schema"
	"github.com/untoldecay/kiln/internal/store"
)

// ErrUnknownTool is returned when a tool name has no registered factory.
var ErrUnknownTool = errors.New("session: unknown tool")

// ErrAbortCostExceeded is raised by the spend gate when a model reply pushes
// project or run spend past its configured limit (spec.md §4.D/§8 scenario 6).
type ErrAbortCostExceeded struct {
	CostType    string // "project" | "run"
	CurrentCost float64
	Threshold   float64
}

func (e *ErrAbortCostExceeded) Error() string {
	return fmt.Sprintf("Abort: %s cost $%.2f exceeds threshold $%.2f", e.CostType, e.CurrentCost, e.Threshold)
}

// ToolArgs is the caller-supplied argument bag merged into a resolved tool.
type ToolArgs map[string]any

// ToolFactory constructs a chatbackend.Tool from merged args and the default
// workspace directory (injected into args["workspace_dir"] when absent).
type ToolFactory func(args ToolArgs) (chatbackend.Tool, error)

// Config holds Session's immutable configuration (spec.md §4.D).
type Config struct {
	Project         string
	RunID           string
	WorkspaceDir    string
	ModelName       string
	MaxSpendProject float64
	MaxSpendRun     float64
	Logger          *logging.Logger
}

// Session aggregates the store handle, LLM backend, cost oracle, spend
// limits, and tool registry (spec.md §4.D).
type Session struct {
	cfg     Config
	store   *store.Store
	audit   *chat.AuditStore
	backend chatbackend.Backend
	costs   costs.Oracle
	tools   map[string]ToolFactory
}

// New builds a Session. extraTools is merged over an (empty, per spec.md's
// out-of-scope note) set of built-ins.
func New(cfg Config, st *store.Store, backend chatbackend.Backend, oracle costs.Oracle, extraTools map[string]ToolFactory) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	tools := map[string]ToolFactory{}
	for name, f := range extraTools {
		tools[name] = f
	}
	return &Session{
		cfg:     cfg,
		store:   st,
		audit:   chat.NewAuditStore(st),
		backend: backend,
		costs:   oracle,
		tools:   tools,
	}
}

// Store returns the bound record store.
func (s *Session) Store() *store.Store { return s.store }

// Config returns the session's immutable configuration.
func (s *Session) Config() Config { return s.cfg }

// resolveTool implements spec.md §4.D's three-way dispatch: an already-built
// instance is returned as-is; a factory is invoked with merged args; a name
// is looked up in the registry and the result recursed on.
func (s *Session) resolveTool(ref any, toolArgs ToolArgs, workspaceDir string) (chatbackend.Tool, error) {
	merged := ToolArgs{}
	for k, v := range toolArgs {
		merged[k] = v
	}
	if _, ok := merged["workspace_dir"]; !ok {
		if workspaceDir == "" {
			workspaceDir = s.cfg.WorkspaceDir
		}
		merged["workspace_dir"] = workspaceDir
	}

	switch v := ref.(type) {
	case chatbackend.Tool:
		return v, nil
	case ToolFactory:
		return v(merged)
	case func(ToolArgs) (chatbackend.Tool, error):
		return ToolFactory(v)(merged)
	case string:
		factory, ok := s.tools[v]
		if !ok {
			names := make([]string, 0, len(s.tools))
			for n := range s.tools {
				names = append(names, n)
			}
			return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownTool, v, strings.Join(names, ", "))
		}
		return s.resolveTool(factory, merged, workspaceDir)
	default:
		return nil, fmt.Errorf("%w: unsupported tool reference type %T", ErrUnknownTool, ref)
	}
}

// ChatResponse is the sum type {success(data) | error(message)} the Session
// translates a ResultSchema envelope answer into (spec.md §4.C/§4.D).
type ChatResponse struct {
	Success      bool
	Data         map[string]any
	ErrorMessage string
	ErrorClass   string
	ErrorStack   string
}

// PromptOptions configures Session.Prompt.
type PromptOptions struct {
	// Prompt is joined with newlines if multiple strings are given.
	Prompt []string
	// Schema builds the caller's success schema; nil means "no payload
	// beyond success/failure".
	Schema *schema.Schema
	// CachedPrompt are system-level strings, cached across turns where the
	// backend supports it.
	CachedPrompt []string
	// Tools are values resolved via resolveTool: a chatbackend.Tool
	// instance, a ToolFactory, or a registered tool name.
	Tools    []any
	ToolArgs ToolArgs
	// WorkspaceDir overrides cfg.WorkspaceDir for tool resolution.
	WorkspaceDir string
	// OnChatCreated is invoked with the new chat id as soon as it exists,
	// before any model round-trip — the pipeline runtime uses this to
	// append to task.chat_ids.
	OnChatCreated func(id string)
}

// Prompt creates a Chat, resolves tools, calls Get with a ResultSchema
// envelope, and translates the outcome into a ChatResponse. Any error is
// captured into an error ChatResponse rather than returned, per spec.md
// §4.D, EXCEPT AbortCostExceeded from the spend gate, which is re-raised so
// it propagates out of the pipeline runtime's generic rescue per spec.md
// §5/§7.
func (s *Session) Prompt(ctx context.Context, opts PromptOptions) (ChatResponse, error) {
	resp, err := s.promptInner(ctx, opts)
	if err == nil {
		return resp, nil
	}
	var abort *ErrAbortCostExceeded
	if errors.As(err, &abort) {
		return ChatResponse{}, err
	}
	return ChatResponse{
		Success:      false,
		ErrorClass:   fmt.Sprintf("%T", err),
		ErrorMessage: err.Error(),
	}, nil
}

func (s *Session) promptInner(ctx context.Context, opts PromptOptions) (ChatResponse, error) {
	resolved := make([]chatbackend.Tool, 0, len(opts.Tools))
	for _, ref := range opts.Tools {
		t, err := s.resolveTool(ref, opts.ToolArgs, opts.WorkspaceDir)
		if err != nil {
			return ChatResponse{}, err
		}
		resolved = append(resolved, t)
	}

	observer := chatbackend.Observer{
		OnEndMessage: func(_ chatbackend.Message) error { return s.checkSpend(ctx) },
	}

	backendChat, err := s.backend.NewChat(ctx, chatbackend.NewChatOptions{
		CachedPrompt: opts.CachedPrompt,
		Observer:     observer,
	})
	if err != nil {
		return ChatResponse{}, fmt.Errorf("session: create chat: %w", err)
	}
	backendChat = backendChat.WithTools(resolved...)

	gw, err := chat.Open(ctx, s.audit, backendChat, s.cfg.Project, s.cfg.RunID, s.cfg.ModelName)
	if err != nil {
		return ChatResponse{}, err
	}
	if opts.OnChatCreated != nil {
		opts.OnChatCreated(gw.ID())
	}

	envelope, err := chat.ResultSchema(opts.Schema)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("session: build result schema: %w", err)
	}

	data, err := gw.Get(ctx, strings.Join(opts.Prompt, "\n"), chat.GetOptions{Schema: envelope})
	if err != nil {
		return ChatResponse{}, err
	}

	if msg, ok := data["unable_to_fulfill_request_error"]; ok {
		return ChatResponse{Success: false, ErrorMessage: fmt.Sprint(msg)}, nil
	}
	return ChatResponse{Success: true, Data: data}, nil
}

// checkSpend consults the cost oracle after every model reply and raises
// ErrAbortCostExceeded once project or run spend crosses its threshold
// (spec.md §4.D, literal scenario 6).
func (s *Session) checkSpend(ctx context.Context) error {
	if s.costs == nil || (s.cfg.MaxSpendProject <= 0 && s.cfg.MaxSpendRun <= 0) {
		return nil
	}
	c, err := s.costs.Cost(ctx, s.cfg.Project, s.cfg.RunID)
	if err != nil {
		return fmt.Errorf("session: cost oracle: %w", err)
	}
	if s.cfg.MaxSpendProject > 0 && c.Project >= s.cfg.MaxSpendProject {
		return &ErrAbortCostExceeded{CostType: "project", CurrentCost: c.Project, Threshold: s.cfg.MaxSpendProject}
	}
	if s.cfg.MaxSpendRun > 0 && c.Run >= s.cfg.MaxSpendRun {
		return &ErrAbortCostExceeded{CostType: "run", CurrentCost: c.Run, Threshold: s.cfg.MaxSpendRun}
	}
	return nil
}
