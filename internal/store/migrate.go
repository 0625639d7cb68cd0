package store

import (
	"database/sql"
	"fmt"
	"sort"

	"golang.org/x/mod/semver"

	"github.com/untoldecay/kiln/internal/store/migrations"
)

// Migration is one schema change, identified by a version string: strings
// of the form "table_<name>" are schema-derived (auto-generated from a
// RecordClass), integers-as-strings are explicit, hand-written migrations.
// Both are idempotent by version via schema_migrations. Table, when set,
// names the table the migration targets: the migration only runs (and is
// only recorded) in a process that has that table's RecordDef registered.
type Migration struct {
	Version string
	Table   string
	Func    func(*sql.DB) error
}

// explicitMigrations is the ordered list of hand-written migrations that run
// after the schema-derived ones, mirroring the teacher's
// internal/storage/sqlite/migrations.go ordered list.
var explicitMigrations = []Migration{
	{"002_task_not_before_index", "tasks", migrations.AddTaskNotBeforeIndex},
	{"003_chat_audit_indexes", "chats", migrations.AddChatAuditIndexes},
	{"004_workspace_unique_dir", "workspaces", migrations.AddWorkspaceUniqueDir},
}

func (s *Store) runMigrations(classes map[string]*RecordClass, engineVersion string) error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = OFF`); err != nil {
		return fmt.Errorf("store: disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = s.db.Exec(`PRAGMA foreign_keys = ON`) }()

	if _, err := s.db.Exec(`BEGIN EXCLUSIVE`); err != nil {
		return fmt.Errorf("store: acquire exclusive migration lock: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = s.db.Exec(`ROLLBACK`)
		}
	}()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT NOT NULL UNIQUE)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kiln_metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("store: create kiln_metadata: %w", err)
	}

	if err := s.checkEngineVersion(engineVersion); err != nil {
		return err
	}

	registeredTables := map[string]bool{}
	for _, rc := range classes {
		registeredTables[rc.Table] = true
	}

	all := append(schemaDerivedMigrations(classes), explicitMigrations...)
	for _, m := range all {
		if m.Table != "" && !registeredTables[m.Table] {
			continue
		}
		applied, err := s.migrationApplied(m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := m.Func(s.db); err != nil {
			return fmt.Errorf("store: migration %s failed: %w", m.Version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			return fmt.Errorf("store: record migration %s: %w", m.Version, err)
		}
	}

	if engineVersion != "" {
		if _, err := s.db.Exec(
			`INSERT INTO kiln_metadata (key, value) VALUES ('schema_engine_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, engineVersion); err != nil {
			return fmt.Errorf("store: record engine version: %w", err)
		}
	}

	if _, err := s.db.Exec(`COMMIT`); err != nil {
		return fmt.Errorf("store: commit migrations: %w", err)
	}
	committed = true
	return nil
}

// schemaDerivedMigrations produces one "table_<name>" migration per
// RecordClass, in a stable (name-sorted) order, so tables exist before any
// explicit migration runs. Declared ahead of the user list per spec.md §3.
func schemaDerivedMigrations(classes map[string]*RecordClass) []Migration {
	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		rc := classes[name]
		out = append(out, Migration{
			Version: "table_" + name,
			Func: func(db *sql.DB) error {
				_, err := db.Exec(rc.createTableSQL())
				return err
			},
		})
	}
	return out
}

func (s *Store) migrationApplied(version string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check migration %s: %w", version, err)
	}
	return n > 0, nil
}

// checkEngineVersion refuses to open a database stamped with a newer-major
// engine version than the one currently running, per SPEC_FULL.md §6.A.
func (s *Store) checkEngineVersion(engineVersion string) error {
	if engineVersion == "" {
		return nil
	}
	var stored string
	err := s.db.QueryRow(`SELECT value FROM kiln_metadata WHERE key = 'schema_engine_version'`).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read schema_engine_version: %w", err)
	}
	cur, prev := "v"+engineVersion, "v"+stored
	if !semver.IsValid(cur) || !semver.IsValid(prev) {
		return nil // non-semver stamps (e.g. "dev") are not gated
	}
	if semver.Compare(semver.Major(prev), semver.Major(cur)) > 0 {
		return fmt.Errorf("%w: database stamped %s, running engine %s", ErrIncompatibleSchema, stored, engineVersion)
	}
	return nil
}
