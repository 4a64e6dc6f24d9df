package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tracelight/tracelight/internal/core/domain"
	"github.com/tracelight/tracelight/internal/core/services"
)

// Handlers serve the analytics HTTP surface. All routing between backends
// happens in the service; handlers only translate wire shapes.
type Handlers struct {
	svc    *services.AnalyticsService
	logger zerolog.Logger
}

func NewHandlers(svc *services.AnalyticsService, logger zerolog.Logger) *Handlers {
	return &Handlers{svc: svc, logger: logger}
}

func (h *Handlers) Timeseries(w http.ResponseWriter, r *http.Request) {
	var req timeseriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := h.svc.Timeseries(r.Context(), req.toQuery(ProjectID(r.Context())))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimeseriesResponse(res))
}

func (h *Handlers) FilterOptions(w http.ResponseWriter, r *http.Request) {
	var req filterOptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := h.svc.FilterOptions(r.Context(), req.toQuery(ProjectID(r.Context())))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, filterOptionsResponse{Options: res.Options})
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := domain.RunListQuery{ProjectID: ProjectID(r.Context())}
	if ids := r.URL.Query().Get("experimentIds"); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				q.ExperimentIDs = append(q.ExperimentIDs, id)
			}
		}
	}
	runs, err := h.svc.ListRuns(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runListResponse{Runs: runs})
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	q := domain.RunQuery{
		ProjectID:    ProjectID(r.Context()),
		ExperimentID: chi.URLParam(r, "experimentID"),
		RunID:        chi.URLParam(r, "runID"),
	}
	run, err := h.svc.GetRun(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// writeServiceError maps domain errors onto HTTP statuses. Error text never
// includes filter values; QueryError formats only operation, backend and
// tenant.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var qe *domain.QueryError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, "analytics backend unavailable")
	case errors.As(err, &qe):
		h.logger.Error().Err(err).Msg("backend query failed")
		writeError(w, http.StatusBadGateway, "analytics backend query failed")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
