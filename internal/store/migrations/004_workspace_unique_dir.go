package migrations

import "database/sql"

// AddWorkspaceUniqueDir enforces spec.md §3's "dir (unique non-null)"
// invariant at the database level, belt-and-braces alongside the
// application-level check in internal/workspace.
func AddWorkspaceUniqueDir(db *sql.DB) error {
	_, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_workspaces_dir ON workspaces(dir)`)
	return err
}
