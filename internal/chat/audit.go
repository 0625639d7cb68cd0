// Package chat implements Component C (spec.md §4.C): the structured-prompt
// gateway that turns a chatbackend.Chat into a schema-validated
// request/response with retry, confirmation, and iterative refinement. It
// also owns the persistent audit records (Chat/Message/Model/ToolCall) spec.md
// §3 describes — written once per exchange and never mutated afterward.
package chat

import "github.com/untoldecay/kiln/internal/store"

// ModelRecord is the audit record for a distinct backend model name.
type ModelRecord struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

// ChatRecord is the audit record for one conversation.
type ChatRecord struct {
	ID        int64  `db:"id"`
	Project   string `db:"project"`
	RunID     string `db:"run_id"`
	ModelID   int64  `db:"model_id"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

// MessageRecord is the audit record for one turn of a conversation.
type MessageRecord struct {
	ID                  int64  `db:"id"`
	ChatID              int64  `db:"chat_id"`
	Role                string `db:"role"`
	Content             string `db:"content"`
	ContentRaw          any    `db:"content_raw"`
	InputTokens         int64  `db:"input_tokens"`
	OutputTokens        int64  `db:"output_tokens"`
	CachedTokens        int64  `db:"cached_tokens"`
	CacheCreationTokens int64  `db:"cache_creation_tokens"`
	CreatedAt           string `db:"created_at"`
	UpdatedAt           string `db:"updated_at"`
}

// ToolCallRecord is the audit record for one tool invocation within a message.
type ToolCallRecord struct {
	ID         int64          `db:"id"`
	MessageID  int64          `db:"message_id"`
	ToolCallID string         `db:"tool_call_id"`
	Name       string         `db:"name"`
	Arguments  map[string]any `db:"arguments"`
	CreatedAt  string         `db:"created_at"`
	UpdatedAt  string         `db:"updated_at"`
}

func init() {
	store.Register(store.Define("model", []store.ColumnDef{
		store.StringColumn("name"),
	}))
	store.Register(store.Define("chat", []store.ColumnDef{
		store.StringColumn("project"),
		store.StringColumn("run_id"),
		store.IntColumn("model_id"),
	}))
	store.Register(store.Define("message", []store.ColumnDef{
		store.IntColumn("chat_id"),
		store.StringColumn("role"),
		store.StringColumn("content"),
		store.JSONColumn("content_raw", "null"),
		store.IntColumn("input_tokens"),
		store.IntColumn("output_tokens"),
		store.IntColumn("cached_tokens"),
		store.IntColumn("cache_creation_tokens"),
	}))
	store.Register(store.DefineTable("tool_call", "tool_calls", []store.ColumnDef{
		store.IntColumn("message_id"),
		store.StringColumn("tool_call_id"),
		store.StringColumn("name"),
		store.JSONColumn("arguments", "{}"),
	}))
}

// AuditStore bundles the four audit collections a Gateway writes to.
type AuditStore struct {
	Models    *store.Collection[ModelRecord]
	Chats     *store.Collection[ChatRecord]
	Messages  *store.Collection[MessageRecord]
	ToolCalls *store.Collection[ToolCallRecord]
}

// NewAuditStore binds the four audit collections to s.
func NewAuditStore(s *store.Store) *AuditStore {
	return &AuditStore{
		Models:    store.NewCollection[ModelRecord](s, "model"),
		Chats:     store.NewCollection[ChatRecord](s, "chat"),
		Messages:  store.NewCollection[MessageRecord](s, "message"),
		ToolCalls: store.NewCollection[ToolCallRecord](s, "tool_call"),
	}
}
