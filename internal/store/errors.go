package store

import "errors"

var (
	// ErrReadOnly is returned by any write attempted against a version-pinned
	// (non-root) store, per spec.md §4.A / §7.
	ErrReadOnly = errors.New("store: write rejected on read-only (versioned) store")

	// ErrNotFound is returned when Find/First locate no matching row.
	ErrNotFound = errors.New("store: record not found")

	// ErrInvalidConfig is returned when Store configuration is incomplete
	// (Open called with an empty dir or name).
	ErrInvalidConfig = errors.New("store: invalid configuration")

	// ErrSnapshotNotRoot is returned when Snapshot/Restore is attempted on a
	// non-root store.
	ErrSnapshotNotRoot = errors.New("store: snapshot/restore only valid from the root store")

	// ErrIncompatibleSchema is returned when the on-disk schema_engine_version
	// is newer (by semver major) than the running binary.
	ErrIncompatibleSchema = errors.New("store: database was written by an incompatible newer engine version")
)
