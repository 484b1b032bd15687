// Package ingest decodes the raw practitioner batch and checks each record
// before it reaches the sync pipeline.
//
// The only fail-fast condition is structural: the input must be a JSON array.
// Everything inside the array is checked record by record, so one malformed
// entry is reported as [Invalid] instead of aborting the batch.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawRecord is one practitioner entry as it arrives in the import file.
// Contact, MedicalProfile, SEO and SchemaData are passed through untouched.
type RawRecord struct {
	ID             ExternalID      `json:"id"`
	Slug           string          `json:"slug,omitempty"`
	Name           string          `json:"name"`
	Specialty      string          `json:"specialty"`
	License        string          `json:"license"`
	Cities         []string        `json:"cities"`
	Contact        json.RawMessage `json:"contact,omitempty"`
	MedicalProfile json.RawMessage `json:"medical_profile,omitempty"`
	SEO            json.RawMessage `json:"seo,omitempty"`
	SchemaData     json.RawMessage `json:"schema_data,omitempty"`
}

// Contact documents the expected shape of RawRecord.Contact.
type Contact struct {
	Phones    []string   `json:"phones"`
	Locations []Location `json:"locations"`
}

// Location is one clinic address inside a Contact block.
type Location struct {
	ClinicName string `json:"clinic_name"`
	Address    string `json:"address"`
	MapURL     string `json:"map_url"`
}

// MedicalProfile documents the expected shape of RawRecord.MedicalProfile.
type MedicalProfile struct {
	SubSpecialties []string `json:"sub_specialties"`
	Conditions     []string `json:"conditions"`
}

// SEO documents the expected shape of RawRecord.SEO.
type SEO struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// ExternalID accepts both "123" and 123 in the source file.
type ExternalID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ExternalID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

// String returns the identifier text.
func (id ExternalID) String() string {
	return string(id)
}
