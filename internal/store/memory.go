package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store that enforces the same unique and
// foreign-key constraints as the SQL schema. It backs STORE_DRIVER=memory
// and the pipeline tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	calls  map[string]int
}

type memTable struct {
	schema TableSchema
	rows   []Row
	nextID int64
	// unique key -> encoded key values -> position in rows
	index map[string]map[string]int
}

// NewMemoryStore returns an empty store with every schema table created.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		tables: make(map[string]*memTable, len(Schema)),
		calls:  make(map[string]int),
	}
	for name, ts := range Schema {
		t := &memTable{schema: ts, nextID: 1, index: make(map[string]map[string]int)}
		for _, k := range ts.UniqueKeys {
			t.index[strings.Join(SplitKey(k), ",")] = make(map[string]int)
		}
		m.tables[name] = t
	}
	return m
}

// Upsert implements Store. The call is all-or-nothing.
func (m *MemoryStore) Upsert(ctx context.Context, table string, rows []Row, conflictKey string, ignoreDuplicates bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	if !t.schema.HasUniqueKey(conflictKey) {
		return fmt.Errorf("there is no unique constraint matching %q on %s", conflictKey, table)
	}
	m.calls[table]++

	if _, err := RowColumns(t.schema, rows); err != nil {
		return err
	}

	keyCols := SplitKey(conflictKey)
	indexName := strings.Join(keyCols, ",")

	// Validate the whole batch before mutating anything.
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		k, err := encodeKey(r, keyCols)
		if err != nil {
			return fmt.Errorf("%s: %w", table, err)
		}
		if seen[k] && !ignoreDuplicates {
			return fmt.Errorf("%s: ON CONFLICT DO UPDATE command cannot affect row a second time (key %s)", table, k)
		}
		seen[k] = true

		for col, ref := range t.schema.References {
			id, ok := Int64(r[col])
			if !ok || !m.tables[ref].hasID(id) {
				return fmt.Errorf("%s: insert violates foreign key constraint on %s (%v not present in %s)", table, col, r[col], ref)
			}
		}
	}

	for _, r := range rows {
		k, _ := encodeKey(r, keyCols)
		if pos, exists := t.index[indexName][k]; exists {
			if ignoreDuplicates {
				continue
			}
			existing := t.rows[pos]
			for col, v := range r {
				if col == ColID {
					continue
				}
				existing[col] = v
			}
			continue
		}

		stored := make(Row, len(r)+1)
		for col, v := range r {
			stored[col] = v
		}
		if t.schema.HasColumn(ColID) {
			stored[ColID] = t.nextID
			t.nextID++
		}
		t.rows = append(t.rows, stored)
		t.index[indexName][k] = len(t.rows) - 1
	}

	return nil
}

// Select implements Store.
func (m *MemoryStore) Select(ctx context.Context, table string, columns []string, filter Filter) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	for _, c := range columns {
		if !t.schema.HasColumn(c) {
			return nil, fmt.Errorf("table %s has no column %q", table, c)
		}
	}
	for _, p := range filter {
		if !t.schema.HasColumn(p.Column) {
			return nil, fmt.Errorf("table %s has no column %q", table, p.Column)
		}
	}

	var out []Row
	for _, r := range t.rows {
		if !matches(r, filter) {
			continue
		}
		cols := columns
		if len(cols) == 0 {
			cols = t.schema.Columns
		}
		cp := make(Row, len(cols))
		for _, c := range cols {
			cp[c] = r[c]
		}
		out = append(out, cp)
	}
	return out, nil
}

// Count returns the number of rows in table.
func (m *MemoryStore) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// UpsertCalls returns how many Upsert calls table has received.
func (m *MemoryStore) UpsertCalls(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[table]
}

// Rows returns a copy of every row in table, ordered by insertion.
func (m *MemoryStore) Rows(table string) []Row {
	rows, _ := m.Select(context.Background(), table, nil, nil)
	return rows
}

func (t *memTable) hasID(id int64) bool {
	return id >= 1 && id < t.nextID
}

func matches(r Row, filter Filter) bool {
	for _, p := range filter {
		v := r[p.Column]
		found := false
		for _, want := range p.Values {
			if equalValues(v, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if ai, ok := Int64(a); ok {
		bi, ok := Int64(b)
		return ok && ai == bi
	}
	as, aok := String(a)
	bs, bok := String(b)
	return aok && bok && as == bs
}

func encodeKey(r Row, cols []string) (string, error) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v, ok := r[c]
		if !ok || v == nil {
			return "", fmt.Errorf("null value in conflict column %q", c)
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x00"), nil
}
