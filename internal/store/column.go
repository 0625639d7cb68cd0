package store

// ColumnType is the typed column constructor vocabulary. Unknown column
// types have no constructor and so cannot be declared — the "unknown column
// types raise at declaration time" requirement is enforced by the Go type
// system instead of a runtime check.
type ColumnType int

const (
	// TypeString backs a TEXT column holding a plain string.
	TypeString ColumnType = iota
	// TypeInt backs an INTEGER column holding an int64.
	TypeInt
	// TypeFloat backs a REAL column holding a float64.
	TypeFloat
	// TypeBool backs an INTEGER column (0/1) holding a bool.
	TypeBool
	// TypeTime backs a TEXT column holding an RFC3339 timestamp.
	TypeTime
	// TypeJSON backs a TEXT column holding a JSON-encoded value (slices,
	// maps, or structs), matching the teacher's JSON-column convention
	// (workspaces.env, tasks.completed_steps).
	TypeJSON
)

// ColumnDef declares one column contributed by a RecordDef. Multiple
// RecordDefs for the same record name append their Columns; duplicates by
// Name are de-duplicated at materialization time, first writer wins.
type ColumnDef struct {
	Name     string
	Type     ColumnType
	NotNull  bool
	Default  string // raw SQL literal, e.g. "0", "'pending'", "'[]'"
}

// StringColumn declares a TEXT column.
func StringColumn(name string) ColumnDef { return ColumnDef{Name: name, Type: TypeString} }

// StringColumnDefault declares a TEXT column with a default literal.
func StringColumnDefault(name, def string) ColumnDef {
	return ColumnDef{Name: name, Type: TypeString, Default: "'" + def + "'"}
}

// IntColumn declares an INTEGER column.
func IntColumn(name string) ColumnDef { return ColumnDef{Name: name, Type: TypeInt} }

// FloatColumn declares a REAL column.
func FloatColumn(name string) ColumnDef { return ColumnDef{Name: name, Type: TypeFloat} }

// BoolColumn declares a boolean column, stored as INTEGER 0/1.
func BoolColumn(name string) ColumnDef { return ColumnDef{Name: name, Type: TypeBool} }

// TimeColumn declares a timestamp column.
func TimeColumn(name string) ColumnDef { return ColumnDef{Name: name, Type: TypeTime} }

// NullableTimeColumn declares an optional timestamp column.
func NullableTimeColumn(name string) ColumnDef {
	return ColumnDef{Name: name, Type: TypeTime}
}

// JSONColumn declares a JSON-encoded column with a default literal such as
// "[]" or "{}".
func JSONColumn(name, defaultLiteral string) ColumnDef {
	return ColumnDef{Name: name, Type: TypeJSON, Default: "'" + defaultLiteral + "'"}
}

func (c ColumnType) sqlType() string {
	switch c {
	case TypeInt, TypeBool:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}
