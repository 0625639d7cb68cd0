// Package migrations holds the engine's explicit (hand-written) migrations,
// one file per version, run after the schema-derived "table_<name>"
// migrations that CREATE TABLE for every registered RecordDef. Mirrors the
// teacher's internal/storage/sqlite/migrations package layout.
package migrations

import "database/sql"

// AddTaskNotBeforeIndex adds the not_before column (SPEC_FULL.md §5's
// NotBefore supplement) and an index so the Processor's drain query can
// filter "due" tasks cheaply even on a large backlog.
func AddTaskNotBeforeIndex(db *sql.DB) error {
	if _, err := db.Exec(`ALTER TABLE tasks ADD COLUMN not_before TEXT`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_not_before ON tasks(not_before)`)
	return err
}
