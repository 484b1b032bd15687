package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ParseError reports input whose top-level value is not a JSON array, or
// whose JSON cannot be tokenized at all.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("parse input at byte %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("parse input: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrNotArray is wrapped by ParseError when the top-level value is not an array.
var ErrNotArray = errors.New("top-level value must be an array")

// Decode parses a complete batch held in memory. It fails with *ParseError
// when data is not a JSON array; individual elements never fail the call.
func Decode(data []byte) ([]Result, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ParseError{Err: ErrNotArray}
		}
		return nil, &ParseError{Err: err}
	}
	if elems == nil {
		// literal null
		return nil, &ParseError{Err: ErrNotArray}
	}

	results := make([]Result, len(elems))
	for i, raw := range elems {
		results[i] = Validate(i, raw)
	}
	return results, nil
}

// Decoder reads a batch incrementally, one array element at a time.
type Decoder struct {
	dec   *json.Decoder
	index int
	done  bool
}

// NewDecoder consumes the opening bracket of the array. It returns
// *ParseError when the stream does not start with one.
func NewDecoder(r io.Reader) (*Decoder, error) {
	dec := json.NewDecoder(SkipBOM(r))

	tok, err := dec.Token()
	if err != nil {
		return nil, &ParseError{Offset: dec.InputOffset(), Err: err}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, &ParseError{Offset: dec.InputOffset(), Err: ErrNotArray}
	}

	return &Decoder{dec: dec}, nil
}

// Next returns the next element's validation result, or io.EOF once the
// closing bracket has been read. A syntax error mid-stream is a *ParseError.
func (d *Decoder) Next() (Result, error) {
	if d.done {
		return nil, io.EOF
	}

	if !d.dec.More() {
		if _, err := d.dec.Token(); err != nil {
			return nil, &ParseError{Offset: d.dec.InputOffset(), Err: err}
		}
		d.done = true
		return nil, io.EOF
	}

	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return nil, &ParseError{Offset: d.dec.InputOffset(), Err: err}
	}

	res := Validate(d.index, raw)
	d.index++
	return res, nil
}

// NextChunk reads up to size results. It returns io.EOF only together with
// an empty chunk.
func (d *Decoder) NextChunk(size int) ([]Result, error) {
	chunk := make([]Result, 0, size)
	for len(chunk) < size {
		res, err := d.Next()
		if errors.Is(err, io.EOF) {
			if len(chunk) == 0 {
				return nil, io.EOF
			}
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
		chunk = append(chunk, res)
	}
	return chunk, nil
}

// Count returns how many elements have been decoded so far.
func (d *Decoder) Count() int { return d.index }
