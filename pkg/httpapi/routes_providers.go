package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pipedash/pipedash/pkg/domain"
)

func pathInt64(r *http.Request, key string) (int64, error) {
	v := chi.URLParam(r, key)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, domain.InvalidConfig("path parameter " + key + " must be numeric")
	}
	return id, nil
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.providers.ListProviders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type addProviderRequest struct {
	Name                   string            `json:"name"`
	DisplayName            string            `json:"display_name"`
	ProviderType           string            `json:"provider_type"`
	RefreshIntervalSeconds int               `json:"refresh_interval_seconds"`
	Token                  string            `json:"token"`
	Config                 map[string]string `json:"config"`
}

func (s *Server) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	var req addProviderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := domain.Provider{
		Name:                   req.Name,
		DisplayName:            req.DisplayName,
		ProviderType:           domain.ProviderType(req.ProviderType),
		RefreshIntervalSeconds: req.RefreshIntervalSeconds,
		OpaqueConfig:           req.Config,
	}

	id, err := s.providers.AddProvider(r.Context(), p, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.providers.GetProvider(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req addProviderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := domain.Provider{
		ID:                     id,
		Name:                   req.Name,
		DisplayName:            req.DisplayName,
		ProviderType:           domain.ProviderType(req.ProviderType),
		RefreshIntervalSeconds: req.RefreshIntervalSeconds,
		OpaqueConfig:           req.Config,
	}

	if err := s.providers.UpdateProvider(r.Context(), p, req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.providers.RemoveProvider(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
