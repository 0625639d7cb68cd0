// Package store implements the versioned relational record store: a SQLite
// database with per-transaction snapshotting, named snapshots, and read-only
// time travel (spec.md §4.A).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/kiln/internal/logging"
)

// Options configures a Store at Open time.
type Options struct {
	// Versioned enables automatic per-transaction snapshotting.
	Versioned bool
	// Logger receives migration, transaction, and snapshot diagnostics.
	Logger *logging.Logger
	// EngineVersion is this binary's semver, recorded in / checked against
	// the database's schema_engine_version metadata row.
	EngineVersion string
}

// Store is a versioned relational database bound to a directory, per
// spec.md §3. The root store owns migrations and snapshot/restore; a
// version (pinned) store is read-only.
type Store struct {
	dir        string
	dbFilename string
	db         *sql.DB
	logger     *logging.Logger
	versioned  bool
	mode       mode

	classes map[string]*RecordClass

	snapshotMu *sync.Mutex // process-wide, shared with every Store derived from the same root
}

// dbFileName is the live database's file name, "<name>.sqlite3".
func dbFileName(name string) string { return name + ".sqlite3" }

func versionsDirName(name string) string { return name + "_versions" }

func snapshotsDirName(name string) string { return name + "_snapshots" }

// Open creates (if absent) a relational database at <dir>/<name>.sqlite3,
// applies pending migrations, and returns a root Store. extraDefs are
// caller-declared RecordDefs merged with the engine's built-in record
// definitions (Task, Workspace, Chat, Message, Model, ToolCall); multiple
// RecordDefs sharing a Name are additive, per spec.md §3.
func Open(dir, name string, opts Options, extraDefs ...RecordDef) (*Store, error) {
	if dir == "" || name == "" {
		return nil, fmt.Errorf("%w: dir and name are required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName(name))
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // single live connection: SQLite + our own tx/lock discipline

	if _, err := db.Exec(`PRAGMA journal_mode=DELETE`); err != nil {
		return nil, fmt.Errorf("store: set journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA locking_mode=NORMAL`); err != nil {
		return nil, fmt.Errorf("store: set locking_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	classes := materialize(append(builtinRecordDefs(), extraDefs...))

	s := &Store{
		dir:        dir,
		dbFilename: name,
		db:         db,
		logger:     logger,
		versioned:  opts.Versioned,
		mode:       modeLive,
		classes:    classes,
		snapshotMu: &sync.Mutex{},
	}

	if err := s.runMigrations(classes, opts.EngineVersion); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Infof("store %s opened (versioned=%v)", dbPath, opts.Versioned)
	return s, nil
}

// Path returns the database file path: the live file for a root store, the
// pinned snapshot file for a version store.
func (s *Store) Path() string {
	if s.mode.readOnly() {
		return s.mode.pinnedPath
	}
	return filepath.Join(s.dir, dbFileName(s.dbFilename))
}

func (s *Store) versionsDir() string  { return filepath.Join(s.dir, versionsDirName(s.dbFilename)) }
func (s *Store) snapshotsDir() string { return filepath.Join(s.dir, snapshotsDirName(s.dbFilename)) }

// UnderlyingDB returns the underlying *sql.DB. Direct access bypasses
// read-only enforcement; callers needing readonly? checks should use
// Collection[T] instead.
func (s *Store) UnderlyingDB() *sql.DB { return s.db }

// Versioned reports whether automatic snapshotting is enabled.
func (s *Store) Versioned() bool { return s.versioned }

// ReadOnly reports whether this store handle is pinned to a version
// snapshot (true) or live (false).
func (s *Store) ReadOnly() bool { return s.mode.readOnly() }

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// execer is the subset of *sql.DB / *sql.Tx that Collection[T] needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the connection this Store should issue statements against:
// the transaction carried on ctx (see transaction.go) if one is open on the
// calling goroutine's call chain, else the shared connection pool.
func (s *Store) conn(ctx context.Context) execer {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}
