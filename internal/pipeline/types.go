package pipeline

import (
	"log/slog"
	"time"
)

// DefaultChunkSize is the number of records per upsert and link round trip.
const DefaultChunkSize = 50

// Phase is the lifecycle state of a run.
type Phase string

const (
	PhaseStarting         Phase = "starting"
	PhaseIngested         Phase = "ingested"
	PhaseTaxonomySynced   Phase = "taxonomy_synced"
	PhaseEntitiesUpserted Phase = "entities_upserted"
	PhaseStreaming        Phase = "streaming"
	PhaseLinked           Phase = "linked"
	PhaseComplete         Phase = "complete"
	PhaseFailed           Phase = "failed"
	PhaseCancelled        Phase = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

// DedupMode selects how the taxonomy extractor recognizes repeated names.
type DedupMode string

const (
	// DedupNormalized treats names with the same match key as one entry and
	// keeps the first spelling seen.
	DedupNormalized DedupMode = "normalized"

	// DedupExact treats every distinct string as its own entry, so
	// "Cardiólogo" and "cardiólogo" produce two entries sharing one slug.
	DedupExact DedupMode = "exact"
)

// Options configures a Pipeline.
type Options struct {
	ChunkSize int
	Dedup     DedupMode
	Streaming bool

	// Now stamps practitioners' updated_at. Defaults to time.Now.
	Now func() time.Time

	Logger  *slog.Logger // defaults to slog.Default()
	Metrics *Metrics     // optional
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Dedup == "" {
		o.Dedup = DedupNormalized
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Progress is a point-in-time view of a run for operators.
type Progress struct {
	RunID     string `json:"runId"`
	Phase     Phase  `json:"phase"`
	Step      string `json:"step"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`

	// Streaming runs do not know Total up front and report bytes instead.
	BytesRead  int64 `json:"bytesRead,omitempty"`
	BytesTotal int64 `json:"bytesTotal,omitempty"`
}

// Percent returns progress in the range 0-100.
func (p Progress) Percent() int {
	if p.Phase == PhaseComplete {
		return 100
	}
	if p.Total > 0 {
		return (p.Processed * 100) / p.Total
	}
	if p.BytesTotal > 0 {
		return int((p.BytesRead * 100) / p.BytesTotal)
	}
	return 0
}

// ProgressFunc receives progress updates. It is called synchronously from
// the pipeline goroutine and must not block.
type ProgressFunc func(Progress)

// InvalidRecord is an input element rejected before transformation.
type InvalidRecord struct {
	Index   int      `json:"index"`
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Reasons []string `json:"reasons"`
}

// RefKind names the taxonomy an unresolved reference belongs to.
type RefKind string

const (
	RefCity         RefKind = "city"
	RefSpecialty    RefKind = "specialty"
	RefPractitioner RefKind = "practitioner"
)

// UnresolvedRef is a name that could not be matched to a stored row while
// linking. The junction row for it is skipped.
type UnresolvedRef struct {
	PractitionerSlug string  `json:"practitionerSlug"`
	Kind             RefKind `json:"kind"`
	Name             string  `json:"name"`
}

// SlugCollision records input records that resolved to the same slug.
// The last record listed wins the update-on-conflict write.
type SlugCollision struct {
	Slug    string `json:"slug"`
	Indexes []int  `json:"indexes"`
}

// Summary is the outcome of one run.
type Summary struct {
	RunID     string    `json:"runId"`
	Streaming bool      `json:"streaming"`
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"startedAt"`

	Records int `json:"records"`
	Valid   int `json:"valid"`

	CitiesExtracted      int `json:"citiesExtracted"`
	SpecialtiesExtracted int `json:"specialtiesExtracted"`

	PractitionersUpserted int `json:"practitionersUpserted"`
	Chunks                int `json:"chunks"`
	CityLinks             int `json:"cityLinks"`
	SpecialtyLinks        int `json:"specialtyLinks"`

	Invalid        []InvalidRecord `json:"invalid,omitempty"`
	Unresolved     []UnresolvedRef `json:"unresolved,omitempty"`
	SlugCollisions []SlugCollision `json:"slugCollisions,omitempty"`

	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
