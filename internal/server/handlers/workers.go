package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/evalfleet/internal/errors"
	"github.com/3leaps/evalfleet/pkg/jobregistry"
	"github.com/3leaps/evalfleet/pkg/runid"
)

// WorkersResponse is the body of GET /workers.
type WorkersResponse struct {
	RunID   string                          `json:"run_id"`
	Workers []jobregistry.WorkerRecord      `json:"workers"`
	States  map[jobregistry.WorkerState]int `json:"states"`
}

// Workers serves the worker registry of one run.
type Workers struct {
	Store *jobregistry.Store
	RunID string
}

// List handles GET /workers. The run defaults to the server's run and can
// be overridden with ?run_id=.
func (h *Workers) List(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	records, err := h.Store.List(runID)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list workers"))
		return
	}
	if records == nil {
		records = []jobregistry.WorkerRecord{}
	}
	states := make(map[jobregistry.WorkerState]int)
	for _, rec := range records {
		states[rec.State]++
	}
	writeJSON(w, WorkersResponse{RunID: runID, Workers: records, States: states})
}

// Get handles GET /workers/{rank}.
func (h *Workers) Get(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.runID(w, r)
	if !ok {
		return
	}
	rank, err := strconv.Atoi(chi.URLParam(r, "rank"))
	if err != nil || rank < 0 {
		respondWithError(w, r, apperrors.NewInvalidArgumentError("rank must be a non-negative integer"))
		return
	}
	rec, err := h.Store.Get(runID, rank)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondWithError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("no worker with rank %d in run %s", rank, runID)))
			return
		}
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "read worker"))
		return
	}
	writeJSON(w, rec)
}

// CheckHealth fails when any worker of the run has failed.
func (h *Workers) CheckHealth(ctx context.Context) error {
	if h.RunID == "" {
		return nil
	}
	records, err := h.Store.List(h.RunID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.State == jobregistry.WorkerStateFailed {
			return fmt.Errorf("rank %d failed: %s", rec.Rank, rec.Reason)
		}
	}
	return nil
}

func (h *Workers) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := h.RunID
	if q := r.URL.Query().Get("run_id"); q != "" {
		raw = q
	}
	id, err := runid.Parse(raw)
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidArgumentError(err.Error()))
		return "", false
	}
	return id.String(), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
