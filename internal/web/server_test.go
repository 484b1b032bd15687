package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/directorio/internal/config"
	"github.com/JonMunkholm/directorio/internal/pipeline"
	"github.com/JonMunkholm/directorio/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

const sampleBatch = `[
	{"id":1,"name":"Ana López","specialty":"Cardiología; Pediatría","license":"A1 B2","cities":["Monterrey"]},
	{"id":2,"name":"Beto Ruiz","specialty":"Cardiología","cities":["Monterrey","Saltillo"]}
]`

type testEnv struct {
	server *Server
	store  *store.MemoryStore
}

func newTestEnv(t *testing.T, health HealthFunc) *testEnv {
	t.Helper()

	cfg, err := config.LoadFrom(config.MapLookup(map[string]string{"STORE_DRIVER": "memory"}))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	cfg.Sync.MaxInputSize = 1 << 16

	reg := prometheus.NewRegistry()
	st := store.NewMemoryStore()
	p := pipeline.New(st, pipeline.Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: pipeline.NewMetrics(reg),
	})
	svc := pipeline.NewService(p, pipeline.ServiceConfig{MaxConcurrent: 2, MaxWait: time.Second})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	return &testEnv{server: NewServer(svc, *cfg, reg, health), store: st}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) start(t *testing.T, body string) string {
	t.Helper()
	rec := e.do(httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/sync status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp SyncStartedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if resp.RunID == "" {
		t.Fatal("empty run id")
	}
	return resp.RunID
}

func (e *testEnv) result(t *testing.T, runID string) SyncResultResponse {
	t.Helper()
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/sync/"+runID+"/result", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET result status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp SyncResultResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return resp
}

func TestStartSync_RawBody(t *testing.T) {
	env := newTestEnv(t, nil)

	runID := env.start(t, sampleBatch)
	resp := env.result(t, runID)

	if resp.Error != nil {
		t.Fatalf("result error = %+v", resp.Error)
	}
	if resp.Summary.Phase != pipeline.PhaseComplete {
		t.Errorf("phase = %s, want complete", resp.Summary.Phase)
	}
	if got := env.store.Count(store.TablePractitioners); got != 2 {
		t.Errorf("practitioners = %d, want 2", got)
	}
	if got := env.store.Count(store.TableCities); got != 2 {
		t.Errorf("cities = %d, want 2", got)
	}
}

func TestStartSync_Multipart(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "batch.json")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(sampleBatch))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/sync", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var started SyncStartedResponse
	_ = json.NewDecoder(rec.Body).Decode(&started)
	resp := env.result(t, started.RunID)
	if resp.Summary.PractitionersUpserted != 2 {
		t.Errorf("upserted = %d, want 2", resp.Summary.PractitionersUpserted)
	}
}

func TestStartSync_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"not an array", `{"id":1}`, http.StatusBadRequest, "SYNC001"},
		{"malformed", `[{"id":1,`, http.StatusBadRequest, "SYNC001"},
		{"too large", "[" + strings.Repeat(" ", 1<<17) + "]", http.StatusRequestEntityTooLarge, "SYNC007"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(tt.body)))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}

			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Code != tt.wantErr {
				t.Errorf("code = %s, want %s", resp.Code, tt.wantErr)
			}
			if env.store.UpsertCalls(store.TablePractitioners) != 0 {
				t.Error("store written for rejected input")
			}
		})
	}
}

func TestSyncProgress_SSE(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := env.start(t, sampleBatch)
	env.result(t, runID)

	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/api/sync/" + runID + "/progress")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var events []string
	var lastData string
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, ev)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			lastData = data
		}
	}

	if len(events) < 2 || events[len(events)-1] != "complete" {
		t.Fatalf("events = %v, want progress... then complete", events)
	}
	var final pipeline.Progress
	if err := json.Unmarshal([]byte(lastData), &final); err != nil {
		t.Fatalf("decode final progress: %v", err)
	}
	if final.Phase != pipeline.PhaseComplete {
		t.Errorf("final phase = %s, want complete", final.Phase)
	}
}

func TestUnknownRun(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/sync/nope/progress", nil),
		httptest.NewRequest(http.MethodGet, "/api/sync/nope/result", nil),
		httptest.NewRequest(http.MethodPost, "/api/sync/nope/cancel", nil),
	} {
		t.Run(req.Method+" "+req.URL.Path, func(t *testing.T) {
			rec := env.do(req)
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", rec.Code)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := env.start(t, sampleBatch)
	env.result(t, runID)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp RunListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Recent) != 1 || resp.Recent[0].RunID != runID {
		t.Errorf("recent = %+v, want run %s", resp.Recent, runID)
	}
	if resp.Limiter.MaxConcurrent != 2 {
		t.Errorf("limiter max = %d, want 2", resp.Limiter.MaxConcurrent)
	}
}

func TestStatusPage(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := env.start(t, sampleBatch)
	env.result(t, runID)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Directory sync", runID, "two-pass"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers not set")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health HealthFunc
		want   int
	}{
		{"no check", nil, http.StatusOK},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"down", func(context.Context) error { return errors.New("dial tcp: refused") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.health)
			rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	runID := env.start(t, sampleBatch)
	env.result(t, runID)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "directorio_sync_runs_total") {
		t.Errorf("metrics missing run counter:\n%s", rec.Body)
	}
}
