package ingest

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecode_TopLevelShape(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   bool
		notArray  bool
		wantCount int
	}{
		{name: "empty array", input: `[]`, wantCount: 0},
		{name: "one record", input: `[{"name":"Dr. Ana López"}]`, wantCount: 1},
		{name: "object", input: `{"name":"x"}`, wantErr: true, notArray: true},
		{name: "string", input: `"records"`, wantErr: true, notArray: true},
		{name: "null", input: `null`, wantErr: true, notArray: true},
		{name: "truncated", input: `[{"name":"x"`, wantErr: true},
		{name: "empty input", input: ``, wantErr: true},
		{name: "bom prefixed", input: "\xEF\xBB\xBF[{\"name\":\"x\"}]", wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := Decode([]byte(tt.input))
			if tt.wantErr {
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("Decode() error = %v, want *ParseError", err)
				}
				if tt.notArray && !errors.Is(err, ErrNotArray) {
					t.Errorf("Decode() error = %v, want ErrNotArray", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() unexpected error: %v", err)
			}
			if len(results) != tt.wantCount {
				t.Errorf("Decode() returned %d results, want %d", len(results), tt.wantCount)
			}
		})
	}
}

func TestDecode_RejectsRecordsIndividually(t *testing.T) {
	input := `[
		{"id": 7, "name": "Dr. Ana López", "specialty": "Cardiólogo", "cities": ["Puebla"]},
		{"id": "8", "name": "   "},
		{"id": "9", "name": "Dr. Luis", "cities": "Puebla"},
		42,
		{"id": "10", "name": "???"}
	]`

	results, err := Decode([]byte(input))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}

	valid, ok := results[0].(Valid)
	if !ok {
		t.Fatalf("results[0] = %T, want Valid", results[0])
	}
	if valid.Record.ID != "7" {
		t.Errorf("numeric id decoded as %q, want %q", valid.Record.ID, "7")
	}

	for i := 1; i < len(results); i++ {
		inv, ok := results[i].(Invalid)
		if !ok {
			t.Errorf("results[%d] = %T, want Invalid", i, results[i])
			continue
		}
		if inv.Index != i {
			t.Errorf("results[%d].Index = %d", i, inv.Index)
		}
		if len(inv.Reasons) == 0 {
			t.Errorf("results[%d] has no reasons", i)
		}
	}
}

func TestCheck_ExplicitSlugKeptAsGiven(t *testing.T) {
	tests := []struct {
		name string
		rec  RawRecord
	}{
		{"punctuation", RawRecord{Name: "Dr. Ana", Slug: "dr.ana_lopez"}},
		{"no alphanumerics", RawRecord{Name: "Dr. Beto", Slug: "***"}},
		{"name without slug characters", RawRecord{Name: "???", Slug: "sol"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := Check(0, tt.rec); !isValid(res) {
				t.Errorf("Check() = %+v, want Valid", res)
			}
		})
	}
}

func isValid(r Result) bool {
	_, ok := r.(Valid)
	return ok
}

func TestCheck_BlobsMustBeJSON(t *testing.T) {
	rec := RawRecord{Name: "Dr. Ana", Contact: []byte(`{"phones":`)}
	res := Check(0, rec)
	inv, ok := res.(Invalid)
	if !ok {
		t.Fatalf("Check() = %T, want Invalid", res)
	}
	if !strings.Contains(inv.Reasons[0], "contact") {
		t.Errorf("reason = %q, want mention of contact", inv.Reasons[0])
	}
}

func TestDecoder_Streaming(t *testing.T) {
	input := `[{"name":"A"},{"name":"B"},{"name":""},{"name":"D"},{"name":"E"}]`

	dec, err := NewDecoder(strings.NewReader(input))
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}

	var sizes []int
	for {
		chunk, err := dec.NextChunk(2)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextChunk() error = %v", err)
		}
		sizes = append(sizes, len(chunk))
	}

	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("chunk sizes = %v, want [2 2 1]", sizes)
	}
	if dec.Count() != 5 {
		t.Errorf("Count() = %d, want 5", dec.Count())
	}
}

func TestNewDecoder_NotArray(t *testing.T) {
	_, err := NewDecoder(strings.NewReader(`{"name":"A"}`))
	if !errors.Is(err, ErrNotArray) {
		t.Fatalf("NewDecoder() error = %v, want ErrNotArray", err)
	}
}

func TestDecoder_SyntaxErrorMidStream(t *testing.T) {
	dec, err := NewDecoder(strings.NewReader(`[{"name":"A"}, {"name": ]`))
	if err != nil {
		t.Fatalf("NewDecoder() error = %v", err)
	}
	if _, err := dec.Next(); err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	_, err = dec.Next()
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("second Next() error = %v, want *ParseError", err)
	}
}

func TestSkipBOM(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{name: "with BOM", input: append([]byte{0xEF, 0xBB, 0xBF}, []byte("[1]")...), want: "[1]"},
		{name: "without BOM", input: []byte("[1]"), want: "[1]"},
		{name: "only BOM", input: []byte{0xEF, 0xBB, 0xBF}, want: ""},
		{name: "short input", input: []byte("["), want: "["},
		{name: "partial BOM", input: []byte{0xEF, 0xBB, 'a'}, want: string([]byte{0xEF, 0xBB, 'a'})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(SkipBOM(bytes.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCountingReader(t *testing.T) {
	r := NewCountingReader(strings.NewReader("0123456789"), 10)
	buf := make([]byte, 4)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if r.BytesRead() != 4 {
		t.Errorf("BytesRead() = %d, want 4", r.BytesRead())
	}
	if r.Percent() != 40 {
		t.Errorf("Percent() = %d, want 40", r.Percent())
	}

	unknown := NewCountingReader(strings.NewReader("x"), 0)
	if unknown.Percent() != 0 {
		t.Errorf("Percent() with unknown total = %d, want 0", unknown.Percent())
	}
}
