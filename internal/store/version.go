package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Versions returns the automatic snapshots taken after every committed
// top-level transaction, in chronological order. Each entry is itself a
// Store, pinned read-only to that snapshot file. Only valid on the root
// (live) store.
func (s *Store) Versions() ([]*Store, error) {
	if s.mode.readOnly() {
		return nil, ErrSnapshotNotRoot
	}
	entries, err := os.ReadDir(s.versionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list versions: %w", err)
	}

	type stamped struct {
		ns   int64
		path string
	}
	var files []stamped
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sqlite3") {
			continue
		}
		ns, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".sqlite3"), 10, 64)
		if err != nil {
			continue
		}
		files = append(files, stamped{ns: ns, path: filepath.Join(s.versionsDir(), e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ns < files[j].ns })

	versions := make([]*Store, 0, len(files))
	for _, f := range files {
		pinned, err := s.openPinned(f.path)
		if err != nil {
			return nil, err
		}
		versions = append(versions, pinned)
	}
	return versions, nil
}

// openPinned opens path read-only, reusing this Store's materialized
// record classes (version stores answer readonly=true, never run migrations).
func (s *Store) openPinned(path string) (*Store, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:        filepath.Dir(path),
		dbFilename: s.dbFilename,
		db:         db,
		logger:     s.logger,
		versioned:  false,
		mode:       modePinned(path),
		classes:    s.classes,
		snapshotMu: s.snapshotMu,
	}, nil
}

// Snapshot copies the live database to <name>_snapshots/<label>.sqlite3.
// Only valid on the root store.
func (s *Store) Snapshot(label string) error {
	if s.mode.readOnly() {
		return ErrSnapshotNotRoot
	}
	if err := os.MkdirAll(s.snapshotsDir(), 0o750); err != nil {
		return fmt.Errorf("store: create snapshots dir: %w", err)
	}
	return copyFile(s.Path(), filepath.Join(s.snapshotsDir(), label+".sqlite3"))
}

// Restore overwrites the live database with a named snapshot and appends a
// new automatic version reflecting the restore. Only valid on the root store.
func (s *Store) Restore(label string) error {
	if s.mode.readOnly() {
		return ErrSnapshotNotRoot
	}
	src := filepath.Join(s.snapshotsDir(), label+".sqlite3")
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("store: snapshot %q not found: %w", label, err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close before restore: %w", err)
	}
	if err := copyFile(src, s.Path()); err != nil {
		return fmt.Errorf("store: restore from snapshot: %w", err)
	}
	db, err := openLive(s.Path())
	if err != nil {
		return fmt.Errorf("store: reopen after restore: %w", err)
	}
	s.db = db
	if s.versioned {
		return s.writeVersionSnapshot()
	}
	return nil
}

// RestoreTo overwrites the live database at the given root store with this
// version's file, deletes every version with a higher index, and appends one
// new version when root is versioned; root stays the live store. v must have
// been obtained from root.Versions().
func (v *Store) RestoreTo(root *Store) error {
	if !v.mode.readOnly() {
		return fmt.Errorf("store: RestoreTo requires a version store")
	}
	if root.mode.readOnly() {
		return ErrSnapshotNotRoot
	}

	entries, err := os.ReadDir(root.versionsDir())
	if err != nil {
		return fmt.Errorf("store: list versions: %w", err)
	}
	targetBase := filepath.Base(v.mode.pinnedPath)
	targetNS, err := strconv.ParseInt(strings.TrimSuffix(targetBase, ".sqlite3"), 10, 64)
	if err != nil {
		return fmt.Errorf("store: parse version timestamp: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sqlite3") {
			continue
		}
		ns, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".sqlite3"), 10, 64)
		if err != nil {
			continue
		}
		if ns > targetNS {
			if err := os.Remove(filepath.Join(root.versionsDir(), e.Name())); err != nil {
				return fmt.Errorf("store: prune newer version: %w", err)
			}
		}
	}

	if err := root.db.Close(); err != nil {
		return fmt.Errorf("store: close before restore: %w", err)
	}
	if err := copyFile(v.mode.pinnedPath, root.Path()); err != nil {
		return fmt.Errorf("store: restore live db from version: %w", err)
	}
	db, err := openLive(root.Path())
	if err != nil {
		return fmt.Errorf("store: reopen after restore: %w", err)
	}
	root.db = db

	if root.versioned {
		return root.writeVersionSnapshot()
	}
	return nil
}
