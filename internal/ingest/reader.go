package ingest

// reader.go holds io.Reader wrappers applied to uploaded batches before JSON
// decoding:
//
//   - SkipBOM drops a UTF-8 byte order mark written by Windows editors
//   - CountingReader tracks bytes consumed for progress reporting
//
// Invalid UTF-8 inside JSON strings is already replaced with U+FFFD by
// encoding/json, so no sanitizing pass is needed here.

import (
	"bufio"
	"bytes"
	"io"
	"sync/atomic"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// SkipBOM returns a reader that omits a leading UTF-8 BOM if present.
func SkipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(utf8BOM))
	if err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// CountingReader wraps an io.Reader and counts bytes read. BytesRead is
// safe to call from another goroutine while reads are in progress.
type CountingReader struct {
	reader io.Reader
	read   atomic.Int64
	Total  int64 // 0 when unknown
}

// NewCountingReader wraps r; total may be 0 if the size is unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{reader: r, Total: total}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read.Add(int64(n))
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (r *CountingReader) BytesRead() int64 {
	return r.read.Load()
}

// Percent returns read progress in the range 0-100, or 0 if Total is unknown.
func (r *CountingReader) Percent() int {
	if r.Total <= 0 {
		return 0
	}
	p := int(r.BytesRead() * 100 / r.Total)
	if p > 100 {
		return 100
	}
	return p
}
