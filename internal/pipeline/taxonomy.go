package pipeline

import (
	"context"

	"github.com/JonMunkholm/directorio/internal/canon"
	"github.com/JonMunkholm/directorio/internal/ingest"
	"github.com/JonMunkholm/directorio/internal/store"
)

// TaxonomyEntry is one distinct taxonomy name and the slug it persists under.
type TaxonomyEntry struct {
	Name string
	Slug string
}

// Taxonomies holds the distinct names referenced by a batch, in first-seen
// order.
type Taxonomies struct {
	Cities      []TaxonomyEntry
	Specialties []TaxonomyEntry
}

// Len returns the total number of entries.
func (t Taxonomies) Len() int { return len(t.Cities) + len(t.Specialties) }

// Extractor accumulates distinct city and specialty names across records.
// Names that produce an empty slug are skipped since no row can hold them.
type Extractor struct {
	mode        DedupMode
	cities      taxonomySet
	specialties taxonomySet
}

type taxonomySet struct {
	seen    map[string]bool
	entries []TaxonomyEntry
}

// NewExtractor returns an Extractor using mode to recognize repeats.
func NewExtractor(mode DedupMode) *Extractor {
	if mode == "" {
		mode = DedupNormalized
	}
	return &Extractor{
		mode:        mode,
		cities:      taxonomySet{seen: make(map[string]bool)},
		specialties: taxonomySet{seen: make(map[string]bool)},
	}
}

// Add records the names referenced by rec.
func (e *Extractor) Add(rec ingest.RawRecord) {
	for _, name := range SpecialtyNames(rec) {
		e.specialties.add(e.key(name), name)
	}
	for _, name := range CityNames(rec) {
		e.cities.add(e.key(name), name)
	}
}

// Result returns the entries collected so far.
func (e *Extractor) Result() Taxonomies {
	return Taxonomies{
		Cities:      e.cities.entries,
		Specialties: e.specialties.entries,
	}
}

// Reset clears accumulated entries while keeping what has been seen, so a
// streaming run only emits names new to the current chunk.
func (e *Extractor) Reset() {
	e.cities.entries = nil
	e.specialties.entries = nil
}

func (e *Extractor) key(name string) string {
	if e.mode == DedupExact {
		return name
	}
	return canon.NormalizeKey(name)
}

func (s *taxonomySet) add(key, name string) {
	if s.seen[key] {
		return
	}
	slug := canon.Slugify(name)
	if slug == "" {
		return
	}
	s.seen[key] = true
	s.entries = append(s.entries, TaxonomyEntry{Name: name, Slug: slug})
}

// ExtractTaxonomies collects distinct taxonomy names from records.
func ExtractTaxonomies(records []ingest.RawRecord, mode DedupMode) Taxonomies {
	e := NewExtractor(mode)
	for _, rec := range records {
		e.Add(rec)
	}
	return e.Result()
}

// SpecialtyNames splits the record's specialty field into trimmed names.
func SpecialtyNames(rec ingest.RawRecord) []string {
	return canon.SplitList(rec.Specialty, canon.SpecialtySeparators)
}

// CityNames returns the record's city list with surrounding whitespace
// removed and blanks dropped.
func CityNames(rec ingest.RawRecord) []string {
	return canon.TrimAll(rec.Cities)
}

// SyncTaxonomies inserts every entry whose slug is absent. Existing rows keep
// their display name. Empty lists issue no store call.
func SyncTaxonomies(ctx context.Context, st store.Store, tax Taxonomies) error {
	for _, t := range []struct {
		table   string
		entries []TaxonomyEntry
	}{
		{store.TableCities, tax.Cities},
		{store.TableSpecialties, tax.Specialties},
	} {
		if len(t.entries) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rows := make([]store.Row, len(t.entries))
		for i, e := range t.entries {
			rows[i] = store.Row{store.ColName: e.Name, store.ColSlug: e.Slug}
		}
		if err := st.Upsert(ctx, t.table, rows, store.ColSlug, true); err != nil {
			return &StoreError{Stage: StageTaxonomySync, Table: t.table, Op: "upsert", Err: err}
		}
	}
	return nil
}
