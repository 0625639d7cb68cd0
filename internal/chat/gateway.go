package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/untoldecay/kiln/internal/chatbackend"
	"github.com/untoldecay/kiln/internal/schema"
)

// ErrInvalidResponse is raised when Get exhausts its retry budget without a
// valid, schema-conforming reply.
var ErrInvalidResponse = errors.New("chat: no valid response after retries")

// ErrNoConfirmation is raised when Get's confirm/out_of consensus budget is
// exhausted without a majority answer.
var ErrNoConfirmation = errors.New("chat: no answer reached the required confirmation")

const maxGetAttempts = 5

// Gateway wraps a chatbackend.Chat with the structured-output operations of
// spec.md §4.C (ask/get/refine/ResultSchema), persisting every exchange to
// the audit tables as it goes.
type Gateway struct {
	backend    chatbackend.Chat
	audit      *AuditStore
	chatRecord *ChatRecord
}

// Open creates a new conversation on backend and records its Chat/Model
// audit rows. project/runID/modelName are the audit dimensions the cost
// oracle later rolls up over.
func Open(ctx context.Context, audit *AuditStore, backend chatbackend.Chat, project, runID, modelName string) (*Gateway, error) {
	model, err := audit.Models.FindOrCreateBy(ctx, map[string]any{"name": modelName}, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: record model: %w", err)
	}
	rec, err := audit.Chats.Create(ctx, map[string]any{
		"project":  project,
		"run_id":   runID,
		"model_id": model.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: record chat: %w", err)
	}
	return &Gateway{backend: backend, audit: audit, chatRecord: rec}, nil
}

// ID returns the backend-assigned conversation id.
func (g *Gateway) ID() string { return g.backend.ID() }

// Ask passes prompt straight through to the backend (spec.md §4.C's
// pass-through `ask`).
func (g *Gateway) Ask(ctx context.Context, prompt string) (chatbackend.Message, error) {
	msg, err := g.backend.Ask(ctx, prompt)
	if err != nil {
		return msg, err
	}
	if _, aerr := g.recordMessage(ctx, msg); aerr != nil {
		return msg, aerr
	}
	return msg, nil
}

func (g *Gateway) recordMessage(ctx context.Context, msg chatbackend.Message) (*MessageRecord, error) {
	return g.audit.Messages.Create(ctx, map[string]any{
		"chat_id":               g.chatRecord.ID,
		"role":                  msg.Role,
		"content":               msg.Content,
		"content_raw":           msg.ContentRaw,
		"input_tokens":          msg.Usage.InputTokens,
		"output_tokens":         msg.Usage.OutputTokens,
		"cached_tokens":         msg.Usage.CachedTokens,
		"cache_creation_tokens": msg.Usage.CacheCreationTokens,
	})
}

// GetOptions configures Get. Confirm/OutOf default to 1/1 (a single answer,
// no consensus requirement) when zero.
type GetOptions struct {
	Schema  *schema.Schema
	Confirm int
	OutOf   int
}

// Get is the primary structured-output operation: ask up to 5 times per
// answer for valid, schema-conforming JSON, then collect up to OutOf answers
// looking for Confirm identical copies (spec.md §4.C).
func (g *Gateway) Get(ctx context.Context, prompt string, opts GetOptions) (map[string]any, error) {
	confirm := opts.Confirm
	if confirm <= 0 {
		confirm = 1
	}
	outOf := opts.OutOf
	if outOf <= 0 {
		outOf = 1
	}
	if confirm > outOf {
		outOf = confirm
	}

	counts := map[string]int{}
	for i := 0; i < outOf; i++ {
		answer, err := g.getOne(ctx, prompt, opts.Schema)
		if err != nil {
			return nil, err
		}
		key, err := canonicalKey(answer)
		if err != nil {
			return nil, fmt.Errorf("chat: canonicalize answer: %w", err)
		}
		counts[key]++
		if counts[key] >= confirm {
			return answer, nil
		}
	}
	return nil, ErrNoConfirmation
}

func (g *Gateway) getOne(ctx context.Context, prompt string, sch *schema.Schema) (map[string]any, error) {
	next := wrapPrompt(prompt, sch)
	var lastErr error
	for attempt := 0; attempt < maxGetAttempts; attempt++ {
		msg, err := g.backend.Ask(ctx, next)
		if err != nil {
			return nil, err
		}
		if _, aerr := g.recordMessage(ctx, msg); aerr != nil {
			return nil, aerr
		}

		content := stripFence(msg.Content)
		var decoded any
		dec := json.NewDecoder(strings.NewReader(content))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			lastErr = err
			next = "Your previous reply was not valid JSON (" + err.Error() + "). Reply with valid JSON only."
			continue
		}

		obj, ok := decoded.(map[string]any)
		if !ok {
			lastErr = fmt.Errorf("top-level JSON value must be an object, got %T", decoded)
			next = "Reply with a single JSON object, not an array or scalar value."
			continue
		}

		if sch != nil {
			if err := sch.Validate(decoded); err != nil {
				lastErr = err
				next = "Your previous JSON reply failed schema validation (" + err.Error() + "). Correct it and reply with valid JSON only."
				continue
			}
		}
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, lastErr)
}

// Refine runs Get `times` times, each call after the first wrapping the
// prior answer as a "here is your previous answer, improve it" frame, and
// returns the last answer (spec.md §4.C).
func (g *Gateway) Refine(ctx context.Context, prompt string, sch *schema.Schema, times int) (map[string]any, error) {
	if times <= 0 {
		times = 2
	}
	var last map[string]any
	current := prompt
	for i := 0; i < times; i++ {
		if i > 0 {
			prevJSON, err := json.MarshalIndent(last, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("chat: marshal previous answer: %w", err)
			}
			current = fmt.Sprintf("Here is your previous answer:\n%s\n\nImprove it. %s", string(prevJSON), prompt)
		}
		answer, err := g.Get(ctx, current, GetOptions{Schema: sch})
		if err != nil {
			return nil, err
		}
		last = answer
	}
	return last, nil
}

// ResultSchema wraps successSchema in the success|error envelope of spec.md
// §4.C: a oneOf of the caller's schema and
// {unable_to_fulfill_request_error: string}.
func ResultSchema(success *schema.Schema) (*schema.Schema, error) {
	// With no caller schema the success branch accepts any object, but it
	// must still exclude the error key so oneOf stays unambiguous.
	successRaw := map[string]any{
		"type": "object",
		"not":  map[string]any{"required": []any{"unable_to_fulfill_request_error"}},
	}
	if success != nil {
		successRaw = success.Raw
	}
	errorRaw := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"unable_to_fulfill_request_error": map[string]any{"type": "string"},
		},
		"required":             []any{"unable_to_fulfill_request_error"},
		"additionalProperties": false,
	}
	return schema.FromRaw(map[string]any{"oneOf": []any{successRaw, errorRaw}})
}

func wrapPrompt(prompt string, sch *schema.Schema) string {
	var b strings.Builder
	b.WriteString("Reply with a single JSON object and nothing else. Do not include any text outside the JSON.\n\n")
	if sch != nil {
		raw, _ := json.MarshalIndent(sch.Raw, "", "  ")
		b.WriteString("JSON schema:\n")
		b.Write(raw)
		b.WriteString("\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}

// stripFence removes exactly one leading "```json" and one trailing "```",
// per the Open Question resolution in spec.md §9(3) — deeper or alternate
// fences are not handled.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// canonicalKey produces a stable string for consensus comparison;
// encoding/json sorts map keys, so two equal answers always marshal to
// identical bytes.
func canonicalKey(answer map[string]any) (string, error) {
	b, err := json.Marshal(answer)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
