package migrations

import "database/sql"

// AddChatAuditIndexes speeds up the cost oracle's per-project/per-run token
// rollups over the messages table, and the pipeline's chat_ids lookups.
func AddChatAuditIndexes(db *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_chats_project_run ON chats(project, run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_message_id ON tool_calls(message_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
