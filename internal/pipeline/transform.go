package pipeline

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/JonMunkholm/directorio/internal/canon"
	"github.com/JonMunkholm/directorio/internal/ingest"
	"github.com/JonMunkholm/directorio/internal/store"
)

// Practitioner is the normalized row written to the practitioners table.
type Practitioner struct {
	ExternalID     string
	Slug           string
	FullName       string
	Specialties    []string
	LicenseNumbers []string
	Contact        json.RawMessage
	MedicalProfile json.RawMessage
	SEO            json.RawMessage
	SchemaData     json.RawMessage
	UpdatedAt      time.Time
}

// PractitionerSlug returns the slug rec is stored under: its explicit slug,
// trimmed but otherwise as given, when present, otherwise the slug of its name.
func PractitionerSlug(rec ingest.RawRecord) string {
	if s := strings.TrimSpace(rec.Slug); s != "" {
		return s
	}
	return canon.Slugify(rec.Name)
}

// Transform maps a raw record to its practitioner row. It performs no I/O.
func Transform(rec ingest.RawRecord, now time.Time) Practitioner {
	return Practitioner{
		ExternalID:     rec.ID.String(),
		Slug:           PractitionerSlug(rec),
		FullName:       rec.Name,
		Specialties:    SpecialtyNames(rec),
		LicenseNumbers: canon.SplitList(rec.License, canon.LicenseSeparators),
		Contact:        rec.Contact,
		MedicalProfile: rec.MedicalProfile,
		SEO:            rec.SEO,
		SchemaData:     rec.SchemaData,
		UpdatedAt:      now,
	}
}

// Row converts p for the store. Every column is present so an update on
// conflict fully replaces the previous payload.
func (p Practitioner) Row() store.Row {
	var extID any
	if p.ExternalID != "" {
		extID = p.ExternalID
	}
	return store.Row{
		store.ColExternalID:     extID,
		store.ColSlug:           p.Slug,
		store.ColFullName:       p.FullName,
		store.ColSpecialties:    nonNil(p.Specialties),
		store.ColLicenseNumbers: nonNil(p.LicenseNumbers),
		store.ColContact:        store.NullableJSON(p.Contact),
		store.ColMedicalProfile: store.NullableJSON(p.MedicalProfile),
		store.ColSEO:            store.NullableJSON(p.SEO),
		store.ColSchemaData:     store.NullableJSON(p.SchemaData),
		store.ColUpdatedAt:      p.UpdatedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
