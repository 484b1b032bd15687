package ingest

import (
	"encoding/json"
	"strings"

	"github.com/JonMunkholm/directorio/internal/canon"
)

// Result is the outcome of checking one array element: either [Valid] or
// [Invalid].
type Result interface {
	Position() int
	isResult()
}

// Valid wraps a record that can be transformed and upserted.
type Valid struct {
	Index  int
	Record RawRecord
}

// Invalid describes a rejected array element.
type Invalid struct {
	Index   int
	ID      string
	Name    string
	Reasons []string
}

func (v Valid) Position() int   { return v.Index }
func (v Invalid) Position() int { return v.Index }

func (Valid) isResult()   {}
func (Invalid) isResult() {}

// Validate decodes one array element and checks the fields the pipeline
// depends on. Blobs are not inspected.
func Validate(index int, raw json.RawMessage) Result {
	var rec RawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Invalid{Index: index, Reasons: []string{"decode: " + err.Error()}}
	}
	return Check(index, rec)
}

// Check validates an already decoded record.
func Check(index int, rec RawRecord) Result {
	var reasons []string

	name := strings.TrimSpace(rec.Name)
	if name == "" {
		reasons = append(reasons, "name is required")
	}

	if strings.TrimSpace(rec.Slug) == "" && name != "" && canon.Slugify(name) == "" {
		reasons = append(reasons, "name does not produce a slug")
	}

	for _, blob := range []struct {
		field string
		value json.RawMessage
	}{
		{"contact", rec.Contact},
		{"medical_profile", rec.MedicalProfile},
		{"seo", rec.SEO},
		{"schema_data", rec.SchemaData},
	} {
		if len(blob.value) > 0 && !json.Valid(blob.value) {
			reasons = append(reasons, blob.field+" is not valid JSON")
		}
	}

	if len(reasons) > 0 {
		return Invalid{Index: index, ID: rec.ID.String(), Name: name, Reasons: reasons}
	}
	return Valid{Index: index, Record: rec}
}
