// Package store defines the backing-store contract used by the sync
// pipeline: a batch upsert keyed by a unique column set and a filtered
// select. Implementations live in sub-packages (postgres, sqlite) plus
// the in-memory MemoryStore in this package.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Table names.
const (
	TableCities                  = "cities"
	TableSpecialties             = "specialties"
	TablePractitioners           = "practitioners"
	TablePractitionerCities      = "practitioner_cities"
	TablePractitionerSpecialties = "practitioner_specialties"
)

// Column names shared by several tables.
const (
	ColID             = "id"
	ColName           = "name"
	ColSlug           = "slug"
	ColExternalID     = "external_id"
	ColFullName       = "full_name"
	ColSpecialties    = "specialties"
	ColLicenseNumbers = "license_numbers"
	ColContact        = "contact"
	ColMedicalProfile = "medical_profile"
	ColSEO            = "seo"
	ColSchemaData     = "schema_data"
	ColUpdatedAt      = "updated_at"
	ColPractitionerID = "practitioner_id"
	ColCityID         = "city_id"
	ColSpecialtyID    = "specialty_id"
)

// Row is one record keyed by column name. Values are string, []string,
// json.RawMessage, time.Time, int64 or nil.
type Row map[string]any

// Store is the contract every backing store satisfies.
type Store interface {
	// Upsert writes rows into table. On a conflict on conflictKey (a
	// comma-separated column list matching a unique constraint) the existing
	// row is overwritten, or left untouched when ignoreDuplicates is true.
	Upsert(ctx context.Context, table string, rows []Row, conflictKey string, ignoreDuplicates bool) error

	// Select returns the requested columns of every row matching filter.
	// An empty columns list selects all columns.
	Select(ctx context.Context, table string, columns []string, filter Filter) ([]Row, error)
}

// Op is a predicate operator.
type Op int

const (
	OpEq Op = iota
	OpIn
)

// Predicate compares one column against a value or a set of values.
type Predicate struct {
	Column string
	Op     Op
	Values []any
}

// Filter is a conjunction of predicates. The empty filter matches every row.
type Filter []Predicate

// Eq builds a "column = value" predicate.
func Eq(column string, value any) Predicate {
	return Predicate{Column: column, Op: OpEq, Values: []any{value}}
}

// In builds a "column in set" predicate.
func In[T any](column string, values []T) Predicate {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return Predicate{Column: column, Op: OpIn, Values: vals}
}

// TableSchema describes what a backend needs to know about one table.
type TableSchema struct {
	Name       string
	Columns    []string
	UniqueKeys []string // comma-separated column lists
	References map[string]string
}

// Schema lists every table the pipeline writes.
var Schema = map[string]TableSchema{
	TableCities: {
		Name:       TableCities,
		Columns:    []string{ColID, ColName, ColSlug},
		UniqueKeys: []string{ColSlug},
	},
	TableSpecialties: {
		Name:       TableSpecialties,
		Columns:    []string{ColID, ColName, ColSlug},
		UniqueKeys: []string{ColSlug},
	},
	TablePractitioners: {
		Name: TablePractitioners,
		Columns: []string{
			ColID, ColExternalID, ColSlug, ColFullName, ColSpecialties, ColLicenseNumbers,
			ColContact, ColMedicalProfile, ColSEO, ColSchemaData, ColUpdatedAt,
		},
		UniqueKeys: []string{ColSlug},
	},
	TablePractitionerCities: {
		Name:       TablePractitionerCities,
		Columns:    []string{ColPractitionerID, ColCityID},
		UniqueKeys: []string{ColPractitionerID + "," + ColCityID},
		References: map[string]string{ColPractitionerID: TablePractitioners, ColCityID: TableCities},
	},
	TablePractitionerSpecialties: {
		Name:       TablePractitionerSpecialties,
		Columns:    []string{ColPractitionerID, ColSpecialtyID},
		UniqueKeys: []string{ColPractitionerID + "," + ColSpecialtyID},
		References: map[string]string{ColPractitionerID: TablePractitioners, ColSpecialtyID: TableSpecialties},
	},
}

// Lookup returns the schema for table or an error for unknown tables.
func Lookup(table string) (TableSchema, error) {
	ts, ok := Schema[table]
	if !ok {
		return TableSchema{}, fmt.Errorf("unknown table %q", table)
	}
	return ts, nil
}

// HasColumn reports whether the table defines column.
func (ts TableSchema) HasColumn(column string) bool {
	for _, c := range ts.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// HasUniqueKey reports whether conflictKey names one of the table's unique
// constraints. Column order and whitespace are ignored.
func (ts TableSchema) HasUniqueKey(conflictKey string) bool {
	want := strings.Join(SplitKey(conflictKey), ",")
	for _, k := range ts.UniqueKeys {
		if strings.Join(SplitKey(k), ",") == want {
			return true
		}
	}
	return false
}

// SplitKey splits a comma-separated conflict key into sorted column names.
func SplitKey(conflictKey string) []string {
	var cols []string
	for _, c := range strings.Split(conflictKey, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

// RowColumns returns the sorted union of keys across rows, validated
// against the table schema. Backends use it to build column lists.
func RowColumns(ts TableSchema, rows []Row) ([]string, error) {
	seen := make(map[string]bool)
	for _, r := range rows {
		for col := range r {
			if !ts.HasColumn(col) {
				return nil, fmt.Errorf("table %s has no column %q", ts.Name, col)
			}
			seen[col] = true
		}
	}

	cols := make([]string, 0, len(seen))
	for c := range seen {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

// NullableJSON converts an empty json.RawMessage to nil so it is stored as
// SQL NULL rather than an empty document.
func NullableJSON(v any) any {
	if raw, ok := v.(json.RawMessage); ok && len(raw) == 0 {
		return nil
	}
	return v
}

// Int64 converts an id value returned by a backend to int64.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// String converts a text value returned by a backend to string.
func String(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
