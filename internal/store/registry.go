package store

// registry accumulates built-in RecordDefs contributed by other packages
// (task, workspace, chat-audit) via their own package init(), so that the
// store's schema-union model applies to the engine's own tables exactly the
// way it applies to caller-declared domain records (spec.md §3).
var registry []RecordDef

// Register appends a built-in RecordDef, consulted by every subsequent
// Store.Open call. Intended to be called from an importing package's
// init(), never after a Store has already been opened in the process.
func Register(def RecordDef) {
	registry = append(registry, def)
}

func builtinRecordDefs() []RecordDef {
	out := make([]RecordDef, len(registry))
	copy(out, registry)
	return out
}

// Define builds a RecordDef: the Go stand-in for the source's "open a class
// and declare columns/behaviors" pattern. Calling Define twice with the same
// name from two different packages is additive — see RecordDef's doc.
func Define(name string, cols []ColumnDef, behaviors ...Behavior) RecordDef {
	return RecordDef{Name: name, Columns: cols, Behaviors: behaviors}
}

// DefineTable is Define with an explicit table name override.
func DefineTable(name, table string, cols []ColumnDef, behaviors ...Behavior) RecordDef {
	return RecordDef{Name: name, Table: table, Columns: cols, Behaviors: behaviors}
}
