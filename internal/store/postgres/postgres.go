// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/JonMunkholm/directorio/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// maxParams is PostgreSQL's limit on bind parameters per statement.
const maxParams = 65535

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
}

// Store persists the directory tables in PostgreSQL.
type Store struct {
	db DBTX
}

var _ store.Store = (*Store)(nil)

// New wraps a pool (or transaction) as a store.Store.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// NewFromPool is a convenience for the common case.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return New(pool)
}

// Migrate creates the directory tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Upsert implements store.Store. Large batches are split into several
// statements inside one transaction so the call stays all-or-nothing.
func (s *Store) Upsert(ctx context.Context, table string, rows []store.Row, conflictKey string, ignoreDuplicates bool) error {
	if len(rows) == 0 {
		return nil
	}

	ts, err := store.Lookup(table)
	if err != nil {
		return err
	}
	if !ts.HasUniqueKey(conflictKey) {
		return fmt.Errorf("upsert %s: no unique constraint on (%s)", table, conflictKey)
	}

	cols, err := store.RowColumns(ts, rows)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}

	perStmt := maxParams / len(cols)
	if len(rows) <= perStmt {
		sql, args := buildUpsert(table, cols, rows, store.SplitKey(conflictKey), ignoreDuplicates)
		if _, err := s.db.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
		return nil
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for start := 0; start < len(rows); start += perStmt {
			end := min(start+perStmt, len(rows))
			sql, args := buildUpsert(table, cols, rows[start:end], store.SplitKey(conflictKey), ignoreDuplicates)
			if _, err := tx.Exec(ctx, sql, args...); err != nil {
				return fmt.Errorf("upsert %s rows %d-%d: %w", table, start, end, err)
			}
		}
		return nil
	})
}

// Select implements store.Store.
func (s *Store) Select(ctx context.Context, table string, columns []string, filter store.Filter) ([]store.Row, error) {
	ts, err := store.Lookup(table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		columns = ts.Columns
	}
	for _, c := range columns {
		if !ts.HasColumn(c) {
			return nil, fmt.Errorf("select %s: unknown column %q", table, c)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(quoteList(columns))
	b.WriteString(" FROM ")
	b.WriteString(quote(table))

	var args []any
	for i, p := range filter {
		if !ts.HasColumn(p.Column) {
			return nil, fmt.Errorf("select %s: unknown column %q", table, p.Column)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		switch p.Op {
		case store.OpEq:
			if len(p.Values) != 1 {
				return nil, fmt.Errorf("select %s: equality on %s needs one value", table, p.Column)
			}
			args = append(args, p.Values[0])
			fmt.Fprintf(&b, "%s = $%d", quote(p.Column), len(args))
		case store.OpIn:
			args = append(args, arrayArg(p.Values))
			fmt.Fprintf(&b, "%s = ANY($%d)", quote(p.Column), len(args))
		default:
			return nil, fmt.Errorf("select %s: unsupported operator %d", table, p.Op)
		}
	}

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}

	out := make([]store.Row, len(maps))
	for i, m := range maps {
		out[i] = store.Row(m)
	}
	return out, nil
}

// buildUpsert renders a multi-row INSERT ... ON CONFLICT statement.
func buildUpsert(table string, cols []string, rows []store.Row, keyCols []string, ignoreDuplicates bool) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(rows)*len(cols))

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quote(table), quoteList(cols))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, store.NullableJSON(r[c]))
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteByte(')')
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s)", quoteList(keyCols))

	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] && c != store.ColID {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c)))
		}
	}

	if ignoreDuplicates || len(sets) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	return b.String(), args
}

// arrayArg converts filter values to a typed slice pgx can bind to ANY($n).
func arrayArg(values []any) any {
	ints := make([]int64, 0, len(values))
	strs := make([]string, 0, len(values))
	for _, v := range values {
		if n, ok := store.Int64(v); ok {
			ints = append(ints, n)
			continue
		}
		if s, ok := store.String(v); ok {
			strs = append(strs, s)
			continue
		}
		strs = append(strs, fmt.Sprint(v))
	}
	if len(ints) > 0 && len(strs) == 0 {
		return ints
	}
	for _, n := range ints {
		strs = append(strs, fmt.Sprint(n))
	}
	return strs
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func quoteList(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = quote(id)
	}
	return strings.Join(quoted, ", ")
}
