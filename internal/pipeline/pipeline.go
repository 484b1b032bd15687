package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/JonMunkholm/directorio/internal/ingest"
	"github.com/JonMunkholm/directorio/internal/logging"
	"github.com/JonMunkholm/directorio/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/JonMunkholm/directorio/internal/pipeline"

// Pipeline executes sync runs against one store.
type Pipeline struct {
	store store.Store
	opts  Options
}

// New returns a Pipeline writing to st.
func New(st store.Store, opts Options) *Pipeline {
	opts = opts.withDefaults()
	if opts.Metrics != nil {
		st = instrumentedStore{Store: st, metrics: opts.Metrics}
	}
	return &Pipeline{store: st, opts: opts}
}

// Options returns the effective options.
func (p *Pipeline) Options() Options { return p.opts }

// Run holds the state of a single execution. It is not safe for concurrent
// use; progress leaves it only through the ProgressFunc.
type Run struct {
	ID string

	summary  Summary
	progress Progress
	report   ProgressFunc
	log      *slog.Logger
	metrics  *Metrics

	// slug -> input indexes, for collision reporting
	slugs map[string][]int
}

func (p *Pipeline) newRun(ctx context.Context, runID string, streaming bool, report ProgressFunc) (context.Context, *Run) {
	ctx = logging.WithRunID(ctx, runID)
	run := &Run{
		ID: runID,
		summary: Summary{
			RunID:     runID,
			Streaming: streaming,
			Phase:     PhaseStarting,
			StartedAt: time.Now(),
		},
		progress: Progress{RunID: runID, Phase: PhaseStarting, Step: "starting"},
		report:   report,
		log:      logging.Enrich(ctx, p.opts.Logger),
		metrics:  p.opts.Metrics,
		slugs:    make(map[string][]int),
	}
	p.opts.Metrics.RunStarted()
	run.emit()
	return ctx, run
}

// Execute runs the two-pass pipeline over an already decoded batch: every
// stage completes for the whole batch before the next one starts.
//
// The returned Summary is never nil, even when err is not.
func (p *Pipeline) Execute(ctx context.Context, runID string, results []ingest.Result, report ProgressFunc) (*Summary, error) {
	ctx, run := p.newRun(ctx, runID, false, report)
	ctx, span := startSpan(ctx, "sync.run",
		attribute.String("directorio.run.id", runID),
		attribute.Int("directorio.run.records", len(results)),
	)
	defer span.End()

	err := p.executeTwoPass(ctx, run, results)
	return run.finish(span, err)
}

func (p *Pipeline) executeTwoPass(ctx context.Context, run *Run, results []ingest.Result) error {
	valid := run.ingest(results)
	run.set(PhaseIngested, "records decoded", len(results), len(results))

	records := recordsOf(valid)
	tax := ExtractTaxonomies(records, p.opts.Dedup)
	run.summary.CitiesExtracted = len(tax.Cities)
	run.summary.SpecialtiesExtracted = len(tax.Specialties)

	run.set(PhaseIngested, "syncing taxonomies", 0, tax.Len())
	err := p.stage(ctx, run, StageTaxonomySync, func(ctx context.Context) error {
		return SyncTaxonomies(ctx, p.store, tax)
	})
	if err != nil {
		return err
	}
	run.set(PhaseTaxonomySynced, "taxonomies synced", tax.Len(), tax.Len())

	size := p.opts.ChunkSize
	err = p.stage(ctx, run, StageEntityUpsert, func(ctx context.Context) error {
		done, n := 0, 0
		for chunk := range slices.Chunk(valid, size) {
			n++
			if err := ctx.Err(); err != nil {
				return err
			}
			written, err := UpsertPractitioners(ctx, p.store, chunk, p.opts.Now(), n)
			if err != nil {
				return err
			}
			done += len(chunk)
			run.summary.Chunks++
			run.summary.PractitionersUpserted += written
			run.log.Debug("chunk upserted", "chunk", n, "rows", written)
			run.set(PhaseTaxonomySynced, "upserting practitioners", done, len(valid))
		}
		return nil
	})
	if err != nil {
		return err
	}
	run.set(PhaseEntitiesUpserted, "practitioners upserted", len(valid), len(valid))

	err = p.stage(ctx, run, StageLink, func(ctx context.Context) error {
		idx, err := LoadTaxonomyIndex(ctx, p.store)
		if err != nil {
			return err
		}

		done, n := 0, 0
		for chunk := range slices.Chunk(valid, size) {
			n++
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := LinkChunk(ctx, p.store, idx, chunk, n)
			run.addLinks(res)
			if err != nil {
				return err
			}
			done += len(chunk)
			run.set(PhaseEntitiesUpserted, "linking", done, len(valid))
		}
		return nil
	})
	if err != nil {
		return err
	}
	run.set(PhaseLinked, "linked", len(valid), len(valid))
	return nil
}

// ExecuteStream runs the pipeline chunk by chunk: each chunk is decoded,
// its new taxonomy names synced, its practitioners upserted and linked
// before the next chunk is read. counter may be nil; when set it drives
// byte-based progress.
//
// A taxonomy row inserted by a concurrent writer after a chunk's refresh is
// not seen until a later chunk references it.
func (p *Pipeline) ExecuteStream(ctx context.Context, runID string, dec *ingest.Decoder, counter *ingest.CountingReader, report ProgressFunc) (*Summary, error) {
	ctx, run := p.newRun(ctx, runID, true, report)
	ctx, span := startSpan(ctx, "sync.run",
		attribute.String("directorio.run.id", runID),
		attribute.Bool("directorio.run.streaming", true),
	)
	defer span.End()

	err := p.executeStream(ctx, run, dec, counter)
	return run.finish(span, err)
}

func (p *Pipeline) executeStream(ctx context.Context, run *Run, dec *ingest.Decoder, counter *ingest.CountingReader) error {
	ext := NewExtractor(p.opts.Dedup)
	idx := NewTaxonomyIndex()
	run.set(PhaseStreaming, "streaming chunks", 0, 0)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		results, err := dec.NextChunk(p.opts.ChunkSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		valid := run.ingest(results)
		if len(valid) > 0 {
			if err := p.streamChunk(ctx, run, ext, idx, valid, n); err != nil {
				return err
			}
		}

		run.progress.Processed = run.summary.Records
		if counter != nil {
			run.progress.BytesRead = counter.BytesRead()
			run.progress.BytesTotal = counter.Total
		}
		run.emit()
	}

	run.set(PhaseLinked, "linked", run.summary.Records, run.summary.Records)
	return nil
}

func (p *Pipeline) streamChunk(ctx context.Context, run *Run, ext *Extractor, idx *TaxonomyIndex, valid []ingest.Valid, n int) error {
	ctx, span := startSpan(ctx, "sync.chunk", attribute.Int("directorio.chunk", n))
	defer span.End()

	records := recordsOf(valid)
	for _, rec := range records {
		ext.Add(rec)
	}
	fresh := ext.Result()
	ext.Reset()
	run.summary.CitiesExtracted += len(fresh.Cities)
	run.summary.SpecialtiesExtracted += len(fresh.Specialties)

	err := p.stage(ctx, run, StageTaxonomySync, func(ctx context.Context) error {
		return SyncTaxonomies(ctx, p.store, fresh)
	})
	if err != nil {
		return endSpan(span, err)
	}

	err = p.stage(ctx, run, StageEntityUpsert, func(ctx context.Context) error {
		written, err := UpsertPractitioners(ctx, p.store, valid, p.opts.Now(), n)
		if err != nil {
			return err
		}
		run.summary.Chunks++
		run.summary.PractitionersUpserted += written
		return nil
	})
	if err != nil {
		return endSpan(span, err)
	}

	err = p.stage(ctx, run, StageLink, func(ctx context.Context) error {
		// Refresh by every name the chunk references, not only the fresh
		// ones, so names synced by earlier chunks or runs resolve too.
		if err := idx.Refresh(ctx, p.store, ExtractTaxonomies(records, DedupNormalized)); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := LinkChunk(ctx, p.store, idx, valid, n)
		run.addLinks(res)
		return err
	})
	return endSpan(span, err)
}

// stage wraps one stage in a span, a latency observation and a debug log.
func (p *Pipeline) stage(ctx context.Context, run *Run, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "sync."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.opts.Metrics.ObserveStage(name, time.Since(start))

	if err != nil {
		return endSpan(span, err)
	}
	run.log.Debug("stage finished", "stage", name, "duration", time.Since(start))
	return nil
}

// ingest sorts results into valid records and rejected ones.
func (r *Run) ingest(results []ingest.Result) []ingest.Valid {
	valid := make([]ingest.Valid, 0, len(results))
	for _, res := range results {
		switch v := res.(type) {
		case ingest.Valid:
			valid = append(valid, v)
			slug := PractitionerSlug(v.Record)
			r.slugs[slug] = append(r.slugs[slug], v.Index)
		case ingest.Invalid:
			r.summary.Invalid = append(r.summary.Invalid, InvalidRecord{
				Index:   v.Index,
				ID:      v.ID,
				Name:    v.Name,
				Reasons: v.Reasons,
			})
			r.log.Warn("record rejected", "index", v.Index, "id", v.ID, "reasons", v.Reasons)
		}
	}

	r.summary.Records += len(results)
	r.summary.Valid += len(valid)
	r.metrics.AddRecords(len(valid), len(results)-len(valid))
	return valid
}

func (r *Run) addLinks(res LinkResult) {
	r.summary.CityLinks += res.CityLinks
	r.summary.SpecialtyLinks += res.SpecialtyLinks
	for _, ref := range res.Unresolved {
		r.log.Warn("unresolved reference", "practitioner", ref.PractitionerSlug, "kind", ref.Kind, "name", ref.Name)
	}
	r.summary.Unresolved = append(r.summary.Unresolved, res.Unresolved...)
	r.metrics.AddUnresolved(res.Unresolved)
}

func (r *Run) set(phase Phase, step string, processed, total int) {
	if phase != r.summary.Phase {
		r.log.Info("sync phase", "phase", phase, "processed", processed, "total", total)
	}
	r.summary.Phase = phase
	r.progress.Phase = phase
	r.progress.Step = step
	r.progress.Processed = processed
	r.progress.Total = total
	r.emit()
}

func (r *Run) emit() {
	if r.report != nil {
		r.report(r.progress)
	}
}

func (r *Run) collisions() []SlugCollision {
	var out []SlugCollision
	for slug, idx := range r.slugs {
		if len(idx) > 1 {
			out = append(out, SlugCollision{Slug: slug, Indexes: idx})
		}
	}
	slices.SortFunc(out, func(a, b SlugCollision) int { return a.Indexes[0] - b.Indexes[0] })
	return out
}

// finish settles the terminal phase and writes the single run summary line.
func (r *Run) finish(span trace.Span, err error) (*Summary, error) {
	r.summary.Duration = time.Since(r.summary.StartedAt)
	r.summary.SlugCollisions = r.collisions()
	for _, c := range r.summary.SlugCollisions {
		r.log.Warn("slug collision, last record wins", "slug", c.Slug, "indexes", c.Indexes)
	}

	phase := PhaseComplete
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		phase = PhaseCancelled
	default:
		phase = PhaseFailed
	}

	r.summary.Phase = phase
	r.progress.Phase = phase
	if err != nil {
		r.summary.Error = err.Error()
		r.progress.Error = err.Error()
		endSpan(span, err)
	}
	span.SetAttributes(
		attribute.String("directorio.run.phase", string(phase)),
		attribute.Int("directorio.run.practitioners", r.summary.PractitionersUpserted),
	)
	r.emit()

	r.metrics.ObserveRun(phase, r.summary.Streaming, r.summary.Duration)
	r.metrics.RunFinished()

	attrs := []any{
		"phase", phase,
		"records", r.summary.Records,
		"invalid", len(r.summary.Invalid),
		"cities", r.summary.CitiesExtracted,
		"specialties", r.summary.SpecialtiesExtracted,
		"practitioners", r.summary.PractitionersUpserted,
		"chunks", r.summary.Chunks,
		"city_links", r.summary.CityLinks,
		"specialty_links", r.summary.SpecialtyLinks,
		"unresolved", len(r.summary.Unresolved),
		"slug_collisions", len(r.summary.SlugCollisions),
		"duration", r.summary.Duration,
	}
	if err != nil {
		r.log.Error("sync failed", append(attrs, "error", err)...)
	} else {
		r.log.Info("sync completed", attrs...)
	}

	return &r.summary, err
}

func recordsOf(valid []ingest.Valid) []ingest.RawRecord {
	out := make([]ingest.RawRecord, len(valid))
	for i, v := range valid {
		out[i] = v.Record
	}
	return out
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
