// File path: internal/api/pipeline_handler.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	chi "github.com/go-chi/chi/v5"

	"github.com/opsforge/bundleindex/internal/pipeline"
)

// stageFull triggers the whole sync->parse->enhance->embed workflow.
const stageFull = "full"

type triggerRequest struct {
	TriggeredBy string            `json:"triggered_by,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

type triggerResponse struct {
	RunID  string `json:"run_id"`
	Task   string `json:"task"`
	Status string `json:"status"`
}

func (s *Server) handleTriggerStage(w http.ResponseWriter, r *http.Request) {
	stage := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "stage")))
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	triggeredBy := strings.TrimSpace(req.TriggeredBy)
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	var (
		run pipeline.Run
		err error
	)
	if stage == stageFull {
		run, err = s.orch.TriggerWorkflow(r.Context(), triggeredBy, req.Parameters)
	} else {
		run, err = s.orch.TriggerStage(r.Context(), stage, triggeredBy, req.Parameters)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrUnknownStage) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{RunID: run.ID, Task: run.TaskName, Status: string(run.Status)})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(chi.URLParam(r, "id"))
	run, err := s.orch.Tracker().Get(r.Context(), runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	runs, err := s.orch.Tracker().Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleRunRevoke(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.orch.Tracker().Revoke(r.Context(), runID); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrRunNotFound):
			status = http.StatusNotFound
		case errors.Is(err, pipeline.ErrRunFinished):
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "revoking"})
}
