package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/directorio/internal/ingest"
	"github.com/google/uuid"
)

// DefaultRetention is how long a finished run stays queryable by id.
const DefaultRetention = 5 * time.Minute

// historySize caps the finished runs kept for the status page.
const historySize = 20

// ErrInputTooLarge is returned when a batch exceeds ServiceConfig.MaxInputSize.
var ErrInputTooLarge = errors.New("input exceeds the maximum allowed size")

// ServiceConfig controls how runs are scheduled.
type ServiceConfig struct {
	Timeout       time.Duration // 0 disables the per-run timeout
	MaxConcurrent int
	MaxWait       time.Duration
	MaxInputSize  int64 // two-pass mode only; 0 disables the check
	Retention     time.Duration
}

// Service starts sync runs in the background and tracks their progress.
type Service struct {
	pipeline *Pipeline
	limiter  *RunLimiter
	cfg      ServiceConfig

	mu      sync.RWMutex
	runs    map[string]*activeRun
	history []Summary
}

// activeRun tracks one run from start until it is evicted.
type activeRun struct {
	ID     string
	Cancel context.CancelFunc
	Done   chan struct{}

	mu        sync.Mutex
	progress  Progress
	result    *Summary
	err       error
	listeners []chan Progress
}

// NewService returns a Service running p.
func NewService(p *Pipeline, cfg ServiceConfig) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Service{
		pipeline: p,
		limiter:  NewRunLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		cfg:      cfg,
		runs:     make(map[string]*activeRun),
	}
}

// Streaming reports whether runs execute chunk by chunk.
func (s *Service) Streaming() bool { return s.pipeline.opts.Streaming }

// StartSync validates the batch in r and starts a run for it. It returns the
// run id immediately; use SubscribeProgress and Result to follow it.
//
// Input that is not a JSON array fails here with *ingest.ParseError, before
// any store write. In streaming mode only the opening bracket is checked up
// front and r must stay readable until the run ends. size is the input
// length for progress reporting, or 0 when unknown.
//
// Returns ErrTooManyRuns if no run slot frees up within the wait time.
func (s *Service) StartSync(ctx context.Context, r io.Reader, size int64) (string, error) {
	var exec func(ctx context.Context, runID string, report ProgressFunc) (*Summary, error)

	if s.Streaming() {
		counter := ingest.NewCountingReader(r, size)
		dec, err := ingest.NewDecoder(counter)
		if err != nil {
			return "", err
		}
		exec = func(ctx context.Context, runID string, report ProgressFunc) (*Summary, error) {
			return s.pipeline.ExecuteStream(ctx, runID, dec, counter, report)
		}
	} else {
		data, err := s.readAll(r)
		if err != nil {
			return "", err
		}
		results, err := ingest.Decode(data)
		if err != nil {
			return "", err
		}
		exec = func(ctx context.Context, runID string, report ProgressFunc) (*Summary, error) {
			return s.pipeline.Execute(ctx, runID, results, report)
		}
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	runID := uuid.New().String()

	var runCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), s.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	run := &activeRun{
		ID:       runID,
		Cancel:   cancel,
		Done:     make(chan struct{}),
		progress: Progress{RunID: runID, Phase: PhaseStarting, BytesTotal: size},
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	go func() {
		defer s.limiter.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in sync run", "run_id", runID, "panic", r)
				s.finish(run, &Summary{RunID: runID, Phase: PhaseFailed}, fmt.Errorf("internal error: %v", r))
			}
		}()

		summary, err := exec(runCtx, runID, run.notify)
		s.finish(run, summary, err)
	}()

	return runID, nil
}

// Sync runs a batch to completion and returns its summary.
func (s *Service) Sync(ctx context.Context, r io.Reader, size int64) (*Summary, error) {
	runID, err := s.StartSync(ctx, r, size)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Cancel(runID) })
	defer stop()

	return s.Result(context.WithoutCancel(ctx), runID)
}

func (s *Service) readAll(r io.Reader) ([]byte, error) {
	if s.cfg.MaxInputSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxInputSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.cfg.MaxInputSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrInputTooLarge, s.cfg.MaxInputSize)
	}
	return data, nil
}

func (s *Service) finish(run *activeRun, summary *Summary, err error) {
	run.mu.Lock()
	if summary.Error == "" && err != nil {
		summary.Error = err.Error()
	}
	run.result = summary
	run.err = err
	run.progress.Phase = summary.Phase
	run.progress.Error = summary.Error
	run.mu.Unlock()

	run.closeListeners()
	close(run.Done)

	s.mu.Lock()
	s.history = append([]Summary{*summary}, s.history...)
	if len(s.history) > historySize {
		s.history = s.history[:historySize]
	}
	s.mu.Unlock()

	s.cleanup(run.ID, s.cfg.Retention)
}

func (s *Service) lookup(runID string) (*activeRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// SubscribeProgress returns a channel of progress updates. The current
// progress is sent first and the channel is closed when the run ends.
func (s *Service) SubscribeProgress(runID string) (<-chan Progress, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Progress, 10)

	run.mu.Lock()
	defer run.mu.Unlock()

	ch <- run.progress
	if run.result != nil {
		close(ch)
		return ch, nil
	}
	run.listeners = append(run.listeners, ch)
	return ch, nil
}

// Cancel stops a running sync. Chunks already committed stay committed.
func (s *Service) Cancel(runID string) error {
	run, err := s.lookup(runID)
	if err != nil {
		return err
	}
	run.Cancel()
	return nil
}

// Result blocks until the run ends or ctx is done and returns its summary
// together with the error that ended it, if any.
func (s *Service) Result(ctx context.Context, runID string) (*Summary, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}

	select {
	case <-run.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result, run.err
}

// Progress returns the current progress without blocking.
func (s *Service) Progress(runID string) (Progress, error) {
	run, err := s.lookup(runID)
	if err != nil {
		return Progress{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.progress, nil
}

// Active returns the progress of every run that has not finished.
func (s *Service) Active() []Progress {
	s.mu.RLock()
	runs := make([]*activeRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	var out []Progress
	for _, r := range runs {
		r.mu.Lock()
		if r.result == nil {
			out = append(out, r.progress)
		}
		r.mu.Unlock()
	}
	return out
}

// Recent returns summaries of finished runs, newest first.
func (s *Service) Recent() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Summary(nil), s.history...)
}

// LimiterStatus reports run slot usage.
func (s *Service) LimiterStatus() LimiterStatus { return s.limiter.Status() }

// Shutdown waits for running syncs to finish. When ctx ends first every
// remaining run is cancelled and ctx's error is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.limiter.WaitForDrain(ctx)
	if err == nil {
		return nil
	}

	s.mu.RLock()
	for _, r := range s.runs {
		r.Cancel()
	}
	s.mu.RUnlock()
	return err
}

// notify records p and fans it out to listeners. Slow listeners miss
// intermediate updates.
func (r *activeRun) notify(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.progress.BytesTotal > 0 && p.BytesTotal == 0 {
		p.BytesTotal = r.progress.BytesTotal
	}
	r.progress = p

	for _, ch := range r.listeners {
		select {
		case ch <- p:
		default:
		}
	}
}

func (r *activeRun) closeListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()

	final := r.progress
	for _, ch := range r.listeners {
		select {
		case ch <- final:
		default:
		}
		close(ch)
	}
	r.listeners = nil
}

// cleanup evicts the run after delay.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}
