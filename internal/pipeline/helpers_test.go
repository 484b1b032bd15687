package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/directorio/internal/ingest"
	"github.com/JonMunkholm/directorio/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPipeline(st store.Store, opts Options) *Pipeline {
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Now = func() time.Time { return testNow }
	return New(st, opts)
}

func decode(t *testing.T, input string) []ingest.Result {
	t.Helper()
	results, err := ingest.Decode([]byte(input))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return results
}

// batch builds n records named "Practitioner i" that share one city and
// one specialty.
func batch(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id":%d,"name":"Practitioner %d","specialty":"Pediatra","license":"L%d","cities":["Monterrey"]}`, i+1, i, i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// failingStore fails the nth upsert into table.
type failingStore struct {
	*store.MemoryStore
	table string
	nth   int

	mu    sync.Mutex
	calls int
}

var errStoreDown = errors.New("connection reset by peer")

func (s *failingStore) Upsert(ctx context.Context, table string, rows []store.Row, key string, ignore bool) error {
	if table == s.table {
		s.mu.Lock()
		s.calls++
		n := s.calls
		s.mu.Unlock()
		if n == s.nth {
			return errStoreDown
		}
	}
	return s.MemoryStore.Upsert(ctx, table, rows, key, ignore)
}

// blockingStore parks every upsert until release is closed or ctx ends.
type blockingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *blockingStore) Upsert(ctx context.Context, table string, rows []store.Row, key string, ignore bool) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryStore.Upsert(ctx, table, rows, key, ignore)
}

// selectCountingStore counts Select calls per table.
type selectCountingStore struct {
	store.Store

	mu    sync.Mutex
	calls map[string]int
}

func (s *selectCountingStore) Select(ctx context.Context, table string, columns []string, filter store.Filter) ([]store.Row, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[table]++
	s.mu.Unlock()
	return s.Store.Select(ctx, table, columns, filter)
}

func (s *selectCountingStore) selects(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[table]
}
