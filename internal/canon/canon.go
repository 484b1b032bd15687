// Package canon turns free-form display text into the two canonical forms the
// sync pipeline relies on: URL-safe slugs that are persisted, and match keys
// that are only used to compare names during lookups.
//
// Both forms are deterministic and total: any Unicode string, including the
// empty string and invalid UTF-8, yields a result without error.
package canon

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Delimiters used by the raw import format.
const (
	// SpecialtySeparators splits "Cardiólogo; Internista".
	SpecialtySeparators = ";,"

	// LicenseSeparators splits "12345 67890" and "12345, 67890".
	LicenseSeparators = " \t\r\n,;"
)

// stripMarks returns a fresh transformer; transform.Chain keeps internal
// buffers and must not be shared between goroutines.
func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// fold lowercases s and removes combining marks.
func fold(s string) string {
	lowered := strings.ToLower(s)
	result, _, err := transform.String(stripMarks(), lowered)
	if err != nil {
		return lowered
	}
	return result
}

// Slugify converts text to a lowercase, hyphenated, ASCII-only identifier.
//
//	Slugify("  Dr.   José   Pérez  ") == "dr-jose-perez"
//	Slugify("Ciudad de México")       == "ciudad-de-mexico"
//
// Runs of characters outside [a-z0-9] collapse to a single hyphen and
// leading/trailing hyphens are trimmed, so Slugify is idempotent.
func Slugify(text string) string {
	folded := fold(text)

	var b strings.Builder
	b.Grow(len(folded))

	pendingHyphen := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}

	return b.String()
}

// NormalizeKey returns the comparison key for a display name: lowercased,
// diacritics removed, surrounding whitespace trimmed and inner whitespace
// collapsed. Keys are never persisted.
func NormalizeKey(text string) string {
	return strings.Join(strings.Fields(fold(text)), " ")
}

// SplitList splits a delimited field on any rune in seps, trims every
// segment and drops the empty ones. Order and duplicates are preserved.
func SplitList(s, seps string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TrimAll trims every element and drops empty ones.
func TrimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
