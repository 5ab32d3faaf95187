package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pipedash/pipedash/pkg/domain"
)

func queryInt64Ptr(r *http.Request, key string) (*int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, domain.InvalidConfig("query parameter " + key + " must be numeric")
	}
	return &id, nil
}

func queryIntDefault(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	providerID, err := queryInt64Ptr(r, "provider_id")
	if err != nil {
		writeError(w, err)
		return
	}

	var pipelines []domain.Pipeline
	if providerID != nil {
		pipelines, err = s.pipelines.FetchProviderPipelines(r.Context(), *providerID)
	} else {
		pipelines, err = s.pipelines.FetchAllPipelines(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) handleCachedPipelines(w http.ResponseWriter, r *http.Request) {
	providerID, err := queryInt64Ptr(r, "provider_id")
	if err != nil {
		writeError(w, err)
		return
	}
	pipelines, err := s.pipelines.GetCachedPipelines(providerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	page := domain.Page{
		Page:     queryIntDefault(r, "page", 1),
		PageSize: queryIntDefault(r, "page_size", 20),
	}

	result, err := s.pipelines.FetchRunHistoryPaginated(r.Context(), pipelineID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunDetails(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	runNumber, err := strconv.ParseInt(chi.URLParam(r, "runNumber"), 10, 64)
	if err != nil {
		writeError(w, domain.InvalidConfig("run number must be numeric"))
		return
	}

	run, err := s.pipelines.FetchRunDetails(r.Context(), pipelineID, runNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type triggerPipelineRequest struct {
	Inputs map[string]string `json:"inputs"`
}

func (s *Server) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	var req triggerPipelineRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	run, err := s.pipelines.TriggerPipeline(r.Context(), pipelineID, req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	runID := chi.URLParam(r, "runNumber")

	if err := s.pipelines.CancelRun(r.Context(), pipelineID, runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
