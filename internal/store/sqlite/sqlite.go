// Package sqlite implements store.Store on a local SQLite file for
// development and single-node deployments. Array columns are stored as
// JSON text.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/directorio/internal/store"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// maxVars is SQLite's default SQLITE_MAX_VARIABLE_NUMBER since 3.32.
const maxVars = 32766

// Store persists the directory tables in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: writes are serialized anyway and :memory: databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA foreign_keys = ON;`, `PRAGMA journal_mode = WAL;`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the directory tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Upsert implements store.Store. All statements for one call run in a
// single transaction.
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	keyCols := store.SplitKey(conflictKey)
	perStmt := maxVars / len(cols)
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		query, args, err := buildUpsert(table, cols, rows[start:end], keyCols, ignoreDuplicates)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert %s: commit: %w", table, err)
	}
	return nil
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
	fmt.Fprintf(&b, "SELECT %s FROM %s", quoteList(columns), quote(table))

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
			fmt.Fprintf(&b, "%s = ?", quote(p.Column))
		case store.OpIn:
			if len(p.Values) == 0 {
				b.WriteString("0")
				continue
			}
			args = append(args, p.Values...)
			fmt.Fprintf(&b, "%s IN (%s)", quote(p.Column), placeholders(len(p.Values)))
		default:
			return nil, fmt.Errorf("select %s: unsupported operator %d", table, p.Op)
		}
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("select %s: scan: %w", table, err)
		}

		r := make(store.Row, len(columns))
		for i, c := range columns {
			if raw, ok := vals[i].([]byte); ok {
				vals[i] = string(raw)
			}
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return out, nil
}

func buildUpsert(table string, cols []string, rows []store.Row, keyCols []string, ignoreDuplicates bool) (string, []any, error) {
	var b strings.Builder
	args := make([]any, 0, len(rows)*len(cols))

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quote(table), quoteList(cols))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(" + placeholders(len(cols)) + ")")
		for _, c := range cols {
			v, err := encodeValue(r[c])
			if err != nil {
				return "", nil, fmt.Errorf("column %s: %w", c, err)
			}
			args = append(args, v)
		}
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s)", quoteList(keyCols))

	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] && c != store.ColID {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(c), quote(c)))
		}
	}

	if ignoreDuplicates || len(sets) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
	}
	return b.String(), args, nil
}

// encodeValue maps values SQLite has no native type for to JSON text.
func encodeValue(v any) (any, error) {
	switch val := store.NullableJSON(v).(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return string(val), nil
	case []string:
		if val == nil {
			val = []string{}
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return val, nil
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteList(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = quote(id)
	}
	return strings.Join(quoted, ", ")
}
