package pipeline

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/directorio/internal/canon"
	"github.com/JonMunkholm/directorio/internal/ingest"
	"github.com/JonMunkholm/directorio/internal/store"
)

// Junction conflict keys.
const (
	practitionerCityKey      = store.ColPractitionerID + "," + store.ColCityID
	practitionerSpecialtyKey = store.ColPractitionerID + "," + store.ColSpecialtyID
)

// TaxonomyIndex maps taxonomy names to surrogate ids. Names are looked up
// by match key first and by slug second.
type TaxonomyIndex struct {
	cities      lookup
	specialties lookup
}

type lookup struct {
	byKey  map[string]int64
	bySlug map[string]int64
}

func newLookup() lookup {
	return lookup{byKey: make(map[string]int64), bySlug: make(map[string]int64)}
}

// NewTaxonomyIndex returns an empty index.
func NewTaxonomyIndex() *TaxonomyIndex {
	return &TaxonomyIndex{cities: newLookup(), specialties: newLookup()}
}

// LoadTaxonomyIndex reads both taxonomy tables in full.
func LoadTaxonomyIndex(ctx context.Context, st store.Store) (*TaxonomyIndex, error) {
	idx := NewTaxonomyIndex()
	if err := idx.load(ctx, st, store.TableCities, nil, idx.cities); err != nil {
		return nil, err
	}
	if err := idx.load(ctx, st, store.TableSpecialties, nil, idx.specialties); err != nil {
		return nil, err
	}
	return idx, nil
}

// Refresh reads the taxonomy rows for the slugs referenced by tax that the
// index does not know yet.
func (idx *TaxonomyIndex) Refresh(ctx context.Context, st store.Store, tax Taxonomies) error {
	if err := idx.load(ctx, st, store.TableCities, idx.cities.missing(tax.Cities), idx.cities); err != nil {
		return err
	}
	return idx.load(ctx, st, store.TableSpecialties, idx.specialties.missing(tax.Specialties), idx.specialties)
}

func (idx *TaxonomyIndex) load(ctx context.Context, st store.Store, table string, slugs []string, into lookup) error {
	var filter store.Filter
	if slugs != nil {
		if len(slugs) == 0 {
			return nil
		}
		filter = store.Filter{store.In(store.ColSlug, slugs)}
	}

	rows, err := st.Select(ctx, table, []string{store.ColID, store.ColName, store.ColSlug}, filter)
	if err != nil {
		return &StoreError{Stage: StageLink, Table: table, Op: "select", Err: err}
	}

	for _, r := range rows {
		id, ok := store.Int64(r[store.ColID])
		if !ok {
			return &StoreError{Stage: StageLink, Table: table, Op: "select", Err: fmt.Errorf("unexpected id type %T", r[store.ColID])}
		}
		name, _ := store.String(r[store.ColName])
		slug, _ := store.String(r[store.ColSlug])
		into.add(canon.NormalizeKey(name), slug, id)
	}
	return nil
}

// add keeps the smallest id per key so repeated loads are deterministic.
func (l lookup) add(key, slug string, id int64) {
	if cur, ok := l.byKey[key]; !ok || id < cur {
		l.byKey[key] = id
	}
	if cur, ok := l.bySlug[slug]; !ok || id < cur {
		l.bySlug[slug] = id
	}
}

func (l lookup) missing(entries []TaxonomyEntry) []string {
	out := []string{}
	for _, e := range entries {
		if _, ok := l.bySlug[e.Slug]; !ok {
			out = append(out, e.Slug)
		}
	}
	return out
}

func (l lookup) resolve(name string) (int64, bool) {
	if id, ok := l.byKey[canon.NormalizeKey(name)]; ok {
		return id, true
	}
	if slug := canon.Slugify(name); slug != "" {
		id, ok := l.bySlug[slug]
		return id, ok
	}
	return 0, false
}

// City resolves a city name to its id.
func (idx *TaxonomyIndex) City(name string) (int64, bool) { return idx.cities.resolve(name) }

// Specialty resolves a specialty name to its id.
func (idx *TaxonomyIndex) Specialty(name string) (int64, bool) { return idx.specialties.resolve(name) }

// Len returns the number of distinct ids known per taxonomy.
func (idx *TaxonomyIndex) Len() (cities, specialties int) {
	return len(idx.cities.bySlug), len(idx.specialties.bySlug)
}

// LinkResult reports what one chunk contributed to the junction tables.
type LinkResult struct {
	CityLinks      int
	SpecialtyLinks int
	Unresolved     []UnresolvedRef
}

// LinkChunk resolves the practitioners in chunk by slug, resolves every name
// they reference through idx and inserts the junction rows that are absent.
// Names that do not resolve are returned in LinkResult.Unresolved.
func LinkChunk(ctx context.Context, st store.Store, idx *TaxonomyIndex, chunk []ingest.Valid, chunkNo int) (LinkResult, error) {
	var res LinkResult
	if len(chunk) == 0 {
		return res, nil
	}

	slugs := make([]string, 0, len(chunk))
	seen := make(map[string]bool, len(chunk))
	for _, v := range chunk {
		s := PractitionerSlug(v.Record)
		if !seen[s] {
			seen[s] = true
			slugs = append(slugs, s)
		}
	}

	rows, err := st.Select(ctx, store.TablePractitioners, []string{store.ColID, store.ColSlug},
		store.Filter{store.In(store.ColSlug, slugs)})
	if err != nil {
		return res, &StoreError{Stage: StageLink, Table: store.TablePractitioners, Op: "select", Chunk: chunkNo, Err: err}
	}
	ids := make(map[string]int64, len(rows))
	for _, r := range rows {
		slug, _ := store.String(r[store.ColSlug])
		if id, ok := store.Int64(r[store.ColID]); ok {
			ids[slug] = id
		}
	}

	var cityRows, specialtyRows []store.Row
	pairs := make(map[[2]int64]bool)
	specPairs := make(map[[2]int64]bool)

	for _, v := range chunk {
		slug := PractitionerSlug(v.Record)
		pid, ok := ids[slug]
		if !ok {
			res.Unresolved = append(res.Unresolved, UnresolvedRef{PractitionerSlug: slug, Kind: RefPractitioner, Name: v.Record.Name})
			continue
		}

		for _, name := range CityNames(v.Record) {
			cid, ok := idx.City(name)
			if !ok {
				res.Unresolved = append(res.Unresolved, UnresolvedRef{PractitionerSlug: slug, Kind: RefCity, Name: name})
				continue
			}
			if k := [2]int64{pid, cid}; !pairs[k] {
				pairs[k] = true
				cityRows = append(cityRows, store.Row{store.ColPractitionerID: pid, store.ColCityID: cid})
			}
		}

		for _, name := range SpecialtyNames(v.Record) {
			sid, ok := idx.Specialty(name)
			if !ok {
				res.Unresolved = append(res.Unresolved, UnresolvedRef{PractitionerSlug: slug, Kind: RefSpecialty, Name: name})
				continue
			}
			if k := [2]int64{pid, sid}; !specPairs[k] {
				specPairs[k] = true
				specialtyRows = append(specialtyRows, store.Row{store.ColPractitionerID: pid, store.ColSpecialtyID: sid})
			}
		}
	}

	if len(cityRows) > 0 {
		if err := st.Upsert(ctx, store.TablePractitionerCities, cityRows, practitionerCityKey, true); err != nil {
			return res, &StoreError{Stage: StageLink, Table: store.TablePractitionerCities, Op: "upsert", Chunk: chunkNo, Err: err}
		}
		res.CityLinks = len(cityRows)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if len(specialtyRows) > 0 {
		if err := st.Upsert(ctx, store.TablePractitionerSpecialties, specialtyRows, practitionerSpecialtyKey, true); err != nil {
			return res, &StoreError{Stage: StageLink, Table: store.TablePractitionerSpecialties, Op: "upsert", Chunk: chunkNo, Err: err}
		}
		res.SpecialtyLinks = len(specialtyRows)
	}

	return res, nil
}
