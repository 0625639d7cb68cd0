package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Collection[T] is the generic, reflection-based record handle described in
// DESIGN.md: the Go stand-in for the source's ActiveRecord-style query
// object. T must be a struct whose persisted fields carry a `db:"column"`
// tag; "id", "created_at" and "updated_at" are implicit on every table (see
// RecordClass.createTableSQL) and do not need to appear in a RecordDef's
// Columns.
type Collection[T any] struct {
	store *Store
	name  string
	class *RecordClass
}

// NewCollection binds a Collection[T] to recordName in s. recordName must
// have been registered (directly or via store.Register) before s.Open.
func NewCollection[T any](s *Store, recordName string) *Collection[T] {
	return &Collection[T]{store: s, name: recordName, class: s.classes[recordName]}
}

func (c *Collection[T]) table() string {
	if c.class != nil {
		return c.class.Table
	}
	return c.name + "s"
}

func (c *Collection[T]) columnType(name string) ColumnType {
	switch name {
	case "id":
		return TypeInt
	case "created_at", "updated_at":
		return TypeTime
	}
	if c.class != nil {
		if col, ok := c.class.Column(name); ok {
			return col.Type
		}
	}
	return TypeString
}

// dbFieldIndex maps a struct field's `db` tag to its field index, skipping
// fields with no tag (computed/embedded helper fields).
func dbFieldIndex(t reflect.Type) map[string]int {
	out := map[string]int{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		out[tag] = i
	}
	return out
}

// Create inserts a new row with the given column values and returns the
// freshly-loaded record. Rejected on a read-only (version-pinned) store.
func (c *Collection[T]) Create(ctx context.Context, values map[string]any) (*T, error) {
	if c.store.mode.readOnly() {
		return nil, ErrReadOnly
	}
	if c.class != nil {
		for _, h := range c.class.Hooks.BeforeCreate {
			if err := h(values); err != nil {
				return nil, fmt.Errorf("store: before_create hook: %w", err)
			}
		}
	}

	cols := make([]string, 0, len(values))
	placeholders := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for k, v := range values {
		cols = append(cols, k)
		placeholders = append(placeholders, "?")
		args = append(args, encodeValue(v, c.columnType(k)))
	}

	var q string
	if len(cols) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", c.table())
	} else {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", c.table(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	}

	res, err := c.store.conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", c.name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: create %s: last insert id: %w", c.name, err)
	}
	return c.Find(ctx, id)
}

// Update sets the given column values on the row with the given id and
// returns the reloaded record. updated_at is always bumped.
func (c *Collection[T]) Update(ctx context.Context, id int64, values map[string]any) (*T, error) {
	if c.store.mode.readOnly() {
		return nil, ErrReadOnly
	}
	if c.class != nil {
		for _, h := range c.class.Hooks.BeforeUpdate {
			if err := h(values); err != nil {
				return nil, fmt.Errorf("store: before_update hook: %w", err)
			}
		}
	}

	sets := make([]string, 0, len(values)+1)
	args := make([]any, 0, len(values)+1)
	for k, v := range values {
		sets = append(sets, k+" = ?")
		args = append(args, encodeValue(v, c.columnType(k)))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	args = append(args, id)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", c.table(), strings.Join(sets, ", "))
	if _, err := c.store.conn(ctx).ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("store: update %s#%d: %w", c.name, id, err)
	}
	return c.Find(ctx, id)
}

// Find loads the row with the given id, or ErrNotFound.
func (c *Collection[T]) Find(ctx context.Context, id int64) (*T, error) {
	return c.Where(map[string]any{"id": id}).First(ctx)
}

// FindOrCreateBy returns the first row matching where, or creates one with
// where merged with extra defaults.
func (c *Collection[T]) FindOrCreateBy(ctx context.Context, where map[string]any, extra map[string]any) (*T, error) {
	existing, err := c.Where(where).First(ctx)
	if err == nil {
		return existing, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	values := map[string]any{}
	for k, v := range where {
		values[k] = v
	}
	for k, v := range extra {
		values[k] = v
	}
	return c.Create(ctx, values)
}

// Where begins a filtered query.
func (c *Collection[T]) Where(conds map[string]any) *Query[T] {
	return &Query[T]{col: c, conds: conds}
}

// All returns every row, unordered beyond SQLite's natural rowid order.
func (c *Collection[T]) All(ctx context.Context) ([]*T, error) { return c.Where(nil).All(ctx) }

// First returns the first row by id, or ErrNotFound.
func (c *Collection[T]) First(ctx context.Context) (*T, error) { return c.Where(nil).First(ctx) }

// Count returns the total row count.
func (c *Collection[T]) Count(ctx context.Context) (int64, error) { return c.Where(nil).Count(ctx) }

// DeleteAll removes every row matching no condition (i.e. the whole table),
// without running any destroy hooks (there are none in this model; kept
// distinct from DestroyAll for parity with the source's two-tier delete API).
func (c *Collection[T]) DeleteAll(ctx context.Context) error { return c.Where(nil).Delete(ctx) }

// DestroyAll is DeleteAll's synonym here; the source's distinction between
// callback-skipping delete_all and callback-running destroy_all collapses
// since Collection[T] has no destroy hooks, only before_create/before_update.
func (c *Collection[T]) DestroyAll(ctx context.Context) error { return c.DeleteAll(ctx) }

// Query is a filtered, ordered view over a Collection[T].
type Query[T any] struct {
	col     *Collection[T]
	conds   map[string]any
	orderBy string
	desc    bool
	limit   int
}

// Order sorts results by column, ascending unless desc is true.
func (q *Query[T]) Order(column string, desc bool) *Query[T] {
	q.orderBy, q.desc = column, desc
	return q
}

// Limit caps the number of rows returned by All.
func (q *Query[T]) Limit(n int) *Query[T] {
	q.limit = n
	return q
}

func (q *Query[T]) buildSelect() (string, []any) {
	where, args := q.whereClause()
	sql := fmt.Sprintf("SELECT * FROM %s", q.col.table())
	if where != "" {
		sql += " WHERE " + where
	}
	if q.orderBy != "" {
		dir := "ASC"
		if q.desc {
			dir = "DESC"
		}
		sql += fmt.Sprintf(" ORDER BY %s %s", q.orderBy, dir)
	}
	if q.limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.limit)
	}
	return sql, args
}

func (q *Query[T]) whereClause() (string, []any) {
	if len(q.conds) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(q.conds))
	for k := range q.conds {
		cols = append(cols, k)
	}
	// deterministic ordering: stable SQL text across calls, easier to test/log.
	sortStrings(cols)
	clauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, k := range cols {
		v := q.conds[k]
		if v == nil {
			clauses = append(clauses, k+" IS NULL")
			continue
		}
		clauses = append(clauses, k+" = ?")
		args = append(args, encodeValue(v, q.col.columnType(k)))
	}
	return strings.Join(clauses, " AND "), args
}

// All runs the query and returns every matching row.
func (q *Query[T]) All(ctx context.Context) ([]*T, error) {
	query, args := q.buildSelect()
	rows, err := q.col.store.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", q.col.name, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: columns %s: %w", q.col.name, err)
	}

	var out []*T
	for rows.Next() {
		rec, err := scanRow[T](rows, cols, q.col)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// First returns the first matching row, or ErrNotFound.
func (q *Query[T]) First(ctx context.Context) (*T, error) {
	clone := *q
	clone.limit = 1
	rows, err := clone.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Count returns the number of matching rows.
func (q *Query[T]) Count(ctx context.Context) (int64, error) {
	where, args := q.whereClause()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", q.col.table())
	if where != "" {
		query += " WHERE " + where
	}
	var n int64
	err := q.col.store.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count %s: %w", q.col.name, err)
	}
	return n, nil
}

// Delete removes every matching row.
func (q *Query[T]) Delete(ctx context.Context) error {
	if q.col.store.mode.readOnly() {
		return ErrReadOnly
	}
	where, args := q.whereClause()
	query := fmt.Sprintf("DELETE FROM %s", q.col.table())
	if where != "" {
		query += " WHERE " + where
	}
	_, err := q.col.store.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", q.col.name, err)
	}
	return nil
}

func scanRow[T any](rows *sql.Rows, cols []string, col *Collection[T]) (*T, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", col.name, err)
	}

	var rec T
	v := reflect.ValueOf(&rec).Elem()
	idx := dbFieldIndex(v.Type())
	for i, name := range cols {
		fi, ok := idx[name]
		if !ok {
			continue
		}
		if err := setField(v.Field(fi), raw[i], col.columnType(name)); err != nil {
			return nil, fmt.Errorf("store: scan %s.%s: %w", col.name, name, err)
		}
	}
	return &rec, nil
}

// encodeValue converts a Go value into something database/sql can bind,
// JSON-encoding slice/map values destined for a JSON column.
func encodeValue(v any, colType ColumnType) any {
	if colType == TypeJSON {
		if s, ok := v.(string); ok {
			return s // already-encoded JSON text
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(b)
	}
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// setField converts a raw driver value into dst, a field of the target
// struct, based on the declared column type and dst's Go kind.
func setField(dst reflect.Value, raw any, colType ColumnType) error {
	if raw == nil {
		return nil // zero value already in place
	}
	switch dst.Kind() {
	case reflect.String:
		dst.SetString(coerceString(raw))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := coerceInt(raw)
		if err != nil {
			return err
		}
		dst.SetInt(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := coerceFloat(raw)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil
	case reflect.Bool:
		n, err := coerceInt(raw)
		if err != nil {
			return err
		}
		dst.SetBool(n != 0)
		return nil
	case reflect.Ptr:
		elem := reflect.New(dst.Type().Elem())
		if err := setField(elem.Elem(), raw, colType); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Struct:
		if dst.Type() == reflect.TypeOf(time.Time{}) {
			t, err := time.Parse(time.RFC3339Nano, coerceString(raw))
			if err != nil {
				t, err = time.Parse(time.RFC3339, coerceString(raw))
				if err != nil {
					return err
				}
			}
			dst.Set(reflect.ValueOf(t))
			return nil
		}
		return json.Unmarshal([]byte(coerceString(raw)), dst.Addr().Interface())
	case reflect.Slice, reflect.Map:
		s := coerceString(raw)
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), dst.Addr().Interface())
	case reflect.Interface:
		s := coerceString(raw)
		if s == "" {
			return nil
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return err
		}
		if v == nil {
			return nil // JSON null: zero value already in place
		}
		dst.Set(reflect.ValueOf(v))
		return nil
	default:
		return fmt.Errorf("store: unsupported field kind %s", dst.Kind())
	}
}

func coerceString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func coerceInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to int64", raw)
	}
}

func coerceFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to float64", raw)
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
