package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/JonMunkholm/directorio/internal/logging"
	"github.com/JonMunkholm/directorio/internal/pipeline"
	"github.com/JonMunkholm/directorio/internal/web/templates"
	"github.com/go-chi/chi/v5"
)

// SyncStartedResponse is returned once a run has been accepted.
type SyncStartedResponse struct {
	RunID string `json:"runId"`
}

// SyncResultResponse carries the summary of a finished run and the error
// that ended it, if any.
type SyncResultResponse struct {
	Summary *pipeline.Summary `json:"summary"`
	Error   *ErrorResponse    `json:"error,omitempty"`
}

// RunListResponse lists active and recently finished runs.
type RunListResponse struct {
	Active  []pipeline.Progress    `json:"active"`
	Recent  []pipeline.Summary     `json:"recent"`
	Limiter pipeline.LimiterStatus `json:"limiter"`
}

// handleStartSync accepts a batch either as the multipart field "file" or as
// the raw request body. The body is read in full before the run starts
// because it is closed once the handler returns.
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Sync.MaxInputSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	data, err := readBatch(r, maxSize)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: %w", pipeline.ErrInputTooLarge, err)
		}
		s.respondError(w, r, err)
		return
	}

	runID, err := s.service.StartSync(r.Context(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("sync accepted", "run_id", runID, "bytes", len(data))
	writeJSONStatus(w, http.StatusAccepted, SyncStartedResponse{RunID: runID})
}

func readBatch(r *http.Request, maxSize int64) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}

	if err := r.ParseMultipartForm(maxSize); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	defer file.Close()

	return io.ReadAll(file)
}

// handleSyncProgress streams progress for a run as Server-Sent Events. Each
// update is a "progress" event; a final "complete" event carries the
// terminal progress before the stream closes.
func (s *Server) handleSyncProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	updates, err := s.service.SubscribeProgress(runID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)

	var last pipeline.Progress
	eventID := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-updates:
			if !ok {
				data, _ := json.Marshal(last)
				fmt.Fprintf(w, "id: %d\nevent: complete\ndata: %s\n\n", eventID+1, data)
				_ = rc.Flush()
				return
			}
			last = p
			eventID++

			data, err := json.Marshal(p)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", eventID, data)
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// handleSyncResult blocks until the run ends and returns its summary.
func (s *Server) handleSyncResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	summary, err := s.service.Result(r.Context(), runID)
	if summary == nil {
		if err == nil {
			err = fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, runID)
		}
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, SyncResultResponse{Summary: summary, Error: newErrorResponse(err)})
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.service.Cancel(runID); err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("sync cancel requested", "run_id", runID)
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	active := s.service.Active()
	if active == nil {
		active = []pipeline.Progress{}
	}
	recent := s.service.Recent()
	if recent == nil {
		recent = []pipeline.Summary{}
	}
	writeJSON(w, RunListResponse{
		Active:  active,
		Recent:  recent,
		Limiter: s.service.LimiterStatus(),
	})
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	params := templates.StatusParams{
		Streaming: s.service.Streaming(),
		Limiter:   s.service.LimiterStatus(),
		Active:    s.service.Active(),
		Recent:    s.service.Recent(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.StatusPage(params).Render(r.Context(), w); err != nil {
		logging.FromContext(r.Context()).Error("render status page", "error", err)
	}
}
