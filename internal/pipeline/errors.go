package pipeline

// errors.go defines pipeline error types and maps them to operator-facing
// messages with support codes:
//
//	SYNC001 - input is not a JSON array (ingest.ParseError)
//	SYNC002 - the backing store rejected a read or write (StoreError)
//	SYNC003 - the run exceeded its configured timeout
//	SYNC004 - the run was cancelled
//	SYNC005 - another run is in progress (ErrTooManyRuns)
//	SYNC006 - unknown run id (ErrRunNotFound)
//	SYNC007 - input larger than the configured maximum (ErrInputTooLarge)
//	SYNC999 - anything else

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/directorio/internal/ingest"
)

// Stage names used in StoreError and logs.
const (
	StageTaxonomySync = "taxonomy_sync"
	StageEntityUpsert = "entity_upsert"
	StageLink         = "link"
)

var (
	// ErrRunNotFound is returned for unknown or expired run ids.
	ErrRunNotFound = errors.New("sync run not found")

	// ErrTooManyRuns is returned when every run slot stays busy for the
	// configured wait time.
	ErrTooManyRuns = errors.New("a sync run is already in progress, please try again later")
)

// StoreError wraps a failed store round trip with the stage it happened in.
type StoreError struct {
	Stage string
	Table string
	Op    string // "upsert" or "select"
	Chunk int    // 1-based; 0 when the stage is not chunked
	Err   error
}

func (e *StoreError) Error() string {
	if e.Chunk > 0 {
		return fmt.Sprintf("%s: %s %s (chunk %d): %v", e.Stage, e.Op, e.Table, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Stage, e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// UserMessage is an operator-facing rendering of an error.
type UserMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// MapError converts err into a UserMessage.
func MapError(err error) UserMessage {
	var parseErr *ingest.ParseError
	var storeErr *StoreError

	switch {
	case err == nil:
		return UserMessage{}
	case errors.As(err, &parseErr):
		return UserMessage{
			Code:    "SYNC001",
			Message: "The import file is not a JSON array of records",
			Action:  "Check that the file starts with [ and is valid JSON",
		}
	case errors.Is(err, ErrTooManyRuns):
		return UserMessage{
			Code:    "SYNC005",
			Message: "Another sync is already running",
			Action:  "Wait for it to finish and try again",
		}
	case errors.Is(err, ErrRunNotFound):
		return UserMessage{
			Code:    "SYNC006",
			Message: "Sync run not found",
			Action:  "Results are kept for a few minutes after a run ends",
		}
	case errors.Is(err, ErrInputTooLarge):
		return UserMessage{
			Code:    "SYNC007",
			Message: "The import file is too large",
			Action:  "Split the file or enable streaming mode",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return UserMessage{
			Code:    "SYNC003",
			Message: "The sync took longer than the configured timeout",
			Action:  "Re-run the sync; completed chunks are kept and rewritten idempotently",
		}
	case errors.Is(err, context.Canceled):
		return UserMessage{
			Code:    "SYNC004",
			Message: "The sync was cancelled",
			Action:  "Re-run the sync to finish the remaining records",
		}
	case errors.As(err, &storeErr):
		return UserMessage{
			Code:    "SYNC002",
			Message: fmt.Sprintf("The database rejected the %s step", storeErr.Stage),
			Action:  "Re-run the sync once the database is healthy; committed chunks are kept",
		}
	default:
		return UserMessage{
			Code:    "SYNC999",
			Message: "The sync failed unexpectedly",
			Action:  "Check the server logs for the run id",
		}
	}
}
