package pipeline

import (
	"context"
	"time"

	"github.com/JonMunkholm/directorio/internal/ingest"
	"github.com/JonMunkholm/directorio/internal/store"
)

// UpsertPractitioners transforms and writes one chunk, updating on conflict
// by slug. A store rejects a single statement that touches the same key
// twice, so when records in the chunk share a slug only the last one is
// sent. It returns the number of rows written.
func UpsertPractitioners(ctx context.Context, st store.Store, chunk []ingest.Valid, now time.Time, chunkNo int) (int, error) {
	if len(chunk) == 0 {
		return 0, nil
	}

	pos := make(map[string]int, len(chunk))
	rows := make([]store.Row, 0, len(chunk))
	for _, v := range chunk {
		p := Transform(v.Record, now)
		if i, ok := pos[p.Slug]; ok {
			rows[i] = p.Row()
			continue
		}
		pos[p.Slug] = len(rows)
		rows = append(rows, p.Row())
	}

	if err := st.Upsert(ctx, store.TablePractitioners, rows, store.ColSlug, false); err != nil {
		return 0, &StoreError{Stage: StageEntityUpsert, Table: store.TablePractitioners, Op: "upsert", Chunk: chunkNo, Err: err}
	}
	return len(rows), nil
}
