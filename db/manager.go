package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Where is an equality filter. A nil value matches NULL.
type Where map[string]any

// Values holds column assignments for Create and Update.
type Values map[string]any

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Manager is a small table gateway: every query is built from an allow-listed
// column set, so filter keys coming from callers never reach SQL unchecked.
type Manager[T any] struct {
	q       Querier
	table   string
	columns []string
	known   map[string]bool
	scan    func(Scanner) (T, error)
}

// NewManager builds a manager over table. columns is the SELECT list, in the
// order scan expects them.
func NewManager[T any](q Querier, table string, columns []string, scan func(Scanner) (T, error)) *Manager[T] {
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}
	return &Manager[T]{q: q, table: table, columns: columns, known: known, scan: scan}
}

// With returns a copy of the manager bound to q, typically a CompatConn
// inside WithTx.
func (m *Manager[T]) With(q Querier) *Manager[T] {
	cp := *m
	cp.q = q
	return &cp
}

// QueryOption tweaks Filter.
type QueryOption func(*query)

type query struct {
	order  []string
	limit  int
	offset int
}

// OrderBy sorts by the given columns; a leading "-" means descending.
func OrderBy(cols ...string) QueryOption {
	return func(q *query) { q.order = append(q.order, cols...) }
}

func Limit(n int) QueryOption {
	return func(q *query) { q.limit = n }
}

func Offset(n int) QueryOption {
	return func(q *query) { q.offset = n }
}

func (m *Manager[T]) where(w Where) (string, []any, error) {
	if len(w) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(w))
	for k := range w {
		if !m.known[k] {
			return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, m.table, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if w[k] == nil {
			parts = append(parts, k+" IS NULL")
			continue
		}
		parts = append(parts, k+" = ?")
		args = append(args, w[k])
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func (m *Manager[T]) sortedValues(v Values) ([]string, []any, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		if !m.known[k] {
			return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, m.table, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = v[k]
	}
	return keys, args, nil
}

func (m *Manager[T]) selectSQL() string {
	return "SELECT " + strings.Join(m.columns, ", ") + " FROM " + m.table
}

// Get returns the single row matching w.
func (m *Manager[T]) Get(ctx context.Context, w Where) (T, error) {
	var zero T
	clause, args, err := m.where(w)
	if err != nil {
		return zero, err
	}
	rows, err := m.q.QueryContext(ctx, m.selectSQL()+clause+" LIMIT 2", args...)
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", m.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return zero, fmt.Errorf("get %s: %w", m.table, err)
		}
		return zero, fmt.Errorf("%s: %w", m.table, ErrNotFound)
	}
	obj, err := m.scan(rows)
	if err != nil {
		return zero, fmt.Errorf("scan %s: %w", m.table, err)
	}
	if rows.Next() {
		return zero, fmt.Errorf("%s: %w", m.table, ErrMultipleRows)
	}
	return obj, rows.Err()
}

// Filter returns every row matching w.
func (m *Manager[T]) Filter(ctx context.Context, w Where, opts ...QueryOption) ([]T, error) {
	var q query
	for _, o := range opts {
		o(&q)
	}
	clause, args, err := m.where(w)
	if err != nil {
		return nil, err
	}
	stmt := m.selectSQL() + clause

	if len(q.order) > 0 {
		order := make([]string, 0, len(q.order))
		for _, col := range q.order {
			dir := " ASC"
			if strings.HasPrefix(col, "-") {
				col, dir = col[1:], " DESC"
			}
			if !m.known[col] {
				return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, m.table, col)
			}
			order = append(order, col+dir)
		}
		stmt += " ORDER BY " + strings.Join(order, ", ")
	}
	if q.limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.limit)
		if q.offset > 0 {
			stmt += fmt.Sprintf(" OFFSET %d", q.offset)
		}
	}

	rows, err := m.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", m.table, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		obj, err := m.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", m.table, err)
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (m *Manager[T]) Count(ctx context.Context, w Where) (int, error) {
	clause, args, err := m.where(w)
	if err != nil {
		return 0, err
	}
	var n int
	if err := m.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+m.table+clause, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", m.table, err)
	}
	return n, nil
}

func (m *Manager[T]) Exists(ctx context.Context, w Where) (bool, error) {
	n, err := m.Count(ctx, w)
	return n > 0, err
}

// Create inserts one row. Constraint violations come back wrapped in ErrIntegrity.
func (m *Manager[T]) Create(ctx context.Context, v Values) error {
	if len(v) == 0 {
		return fmt.Errorf("create %s: no values", m.table)
	}
	cols, args, err := m.sortedValues(v)
	if err != nil {
		return err
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", m.table, strings.Join(cols, ", "), marks)
	if _, err := m.q.ExecContext(ctx, stmt, args...); err != nil {
		if IsIntegrityViolation(err) {
			return fmt.Errorf("create %s: %w: %v", m.table, ErrIntegrity, err)
		}
		return fmt.Errorf("create %s: %w", m.table, err)
	}
	return nil
}

// Update sets v on every row matching w and returns the number of rows changed.
func (m *Manager[T]) Update(ctx context.Context, w Where, v Values) (int64, error) {
	if len(v) == 0 {
		return 0, nil
	}
	cols, setArgs, err := m.sortedValues(v)
	if err != nil {
		return 0, err
	}
	clause, whereArgs, err := m.where(w)
	if err != nil {
		return 0, err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	stmt := "UPDATE " + m.table + " SET " + strings.Join(sets, ", ") + clause
	res, err := m.q.ExecContext(ctx, stmt, append(setArgs, whereArgs...)...)
	if err != nil {
		if IsIntegrityViolation(err) {
			return 0, fmt.Errorf("update %s: %w: %v", m.table, ErrIntegrity, err)
		}
		return 0, fmt.Errorf("update %s: %w", m.table, err)
	}
	return res.RowsAffected()
}

// Delete removes every row matching w. An empty filter is refused.
func (m *Manager[T]) Delete(ctx context.Context, w Where) (int64, error) {
	if len(w) == 0 {
		return 0, fmt.Errorf("delete %s: refusing unfiltered delete", m.table)
	}
	clause, args, err := m.where(w)
	if err != nil {
		return 0, err
	}
	res, err := m.q.ExecContext(ctx, "DELETE FROM "+m.table+clause, args...)
	if err != nil {
		if IsIntegrityViolation(err) {
			return 0, fmt.Errorf("delete %s: %w: %v", m.table, ErrIntegrity, err)
		}
		return 0, fmt.Errorf("delete %s: %w", m.table, err)
	}
	return res.RowsAffected()
}

// GetOrCreate returns the row matching w, inserting w merged with defaults
// when there is none. created reports whether an insert happened. A lost
// insert race falls back to reading the winner's row.
func (m *Manager[T]) GetOrCreate(ctx context.Context, w Where, defaults Values) (obj T, created bool, err error) {
	obj, err = m.Get(ctx, w)
	if err == nil {
		return obj, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return obj, false, err
	}

	v := make(Values, len(w)+len(defaults))
	for k, val := range defaults {
		v[k] = val
	}
	for k, val := range w {
		v[k] = val
	}
	if err := m.Create(ctx, v); err != nil {
		if errors.Is(err, ErrIntegrity) {
			obj, getErr := m.Get(ctx, w)
			if getErr == nil {
				return obj, false, nil
			}
		}
		return obj, false, err
	}
	obj, err = m.Get(ctx, w)
	return obj, err == nil, err
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
