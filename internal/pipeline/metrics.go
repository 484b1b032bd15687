package pipeline

import (
	"context"
	"time"

	"github.com/JonMunkholm/directorio/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for sync runs. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Runs by terminal phase
	Runs *prometheus.CounterVec

	// Full run latency by mode
	RunDuration *prometheus.HistogramVec

	// Per-stage latency
	StageDuration *prometheus.HistogramVec

	// Store round trips by table and outcome
	StoreCalls *prometheus.CounterVec

	// Records by outcome: valid, invalid
	Records *prometheus.CounterVec

	// Junction names that could not be resolved, by kind
	Unresolved *prometheus.CounterVec

	ActiveRuns prometheus.Gauge
}

// NewMetrics registers sync metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "directorio_sync_runs_total",
			Help: "Total sync runs by terminal phase",
		}, []string{"phase"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "directorio_sync_run_duration_seconds",
			Help:    "Duration of full sync runs",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"mode"}), // mode: "two_pass", "streaming"

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "directorio_sync_stage_duration_seconds",
			Help:    "Duration of sync stages",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"stage"}),

		StoreCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "directorio_sync_store_calls_total",
			Help: "Store round trips issued by the sync pipeline",
		}, []string{"table", "outcome"}),

		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "directorio_sync_records_total",
			Help: "Input records by validation outcome",
		}, []string{"outcome"}),

		Unresolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "directorio_sync_unresolved_refs_total",
			Help: "Taxonomy references that could not be linked",
		}, []string{"kind"}),

		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "directorio_sync_active_runs",
			Help: "Sync runs currently executing",
		}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(phase Phase, streaming bool, d time.Duration) {
	if m == nil {
		return
	}
	mode := "two_pass"
	if streaming {
		mode = "streaming"
	}
	m.Runs.WithLabelValues(string(phase)).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveStage records the duration of one stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// IncrementStoreCall records one store round trip.
func (m *Metrics) IncrementStoreCall(table string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreCalls.WithLabelValues(table, outcome).Inc()
}

// AddRecords records validation outcomes.
func (m *Metrics) AddRecords(valid, invalid int) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues("valid").Add(float64(valid))
	m.Records.WithLabelValues("invalid").Add(float64(invalid))
}

// AddUnresolved records unresolved references.
func (m *Metrics) AddUnresolved(refs []UnresolvedRef) {
	if m == nil {
		return
	}
	for _, r := range refs {
		m.Unresolved.WithLabelValues(string(r.Kind)).Inc()
	}
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m != nil {
		m.ActiveRuns.Inc()
	}
}

// RunFinished decrements the active run gauge.
func (m *Metrics) RunFinished() {
	if m != nil {
		m.ActiveRuns.Dec()
	}
}

// instrumentedStore counts every round trip the pipeline makes.
type instrumentedStore struct {
	store.Store
	metrics *Metrics
}

func (s instrumentedStore) Upsert(ctx context.Context, table string, rows []store.Row, conflictKey string, ignoreDuplicates bool) error {
	err := s.Store.Upsert(ctx, table, rows, conflictKey, ignoreDuplicates)
	s.metrics.IncrementStoreCall(table, err)
	return err
}

func (s instrumentedStore) Select(ctx context.Context, table string, columns []string, filter store.Filter) ([]store.Row, error) {
	rows, err := s.Store.Select(ctx, table, columns, filter)
	s.metrics.IncrementStoreCall(table, err)
	return rows, err
}
