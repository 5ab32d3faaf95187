package httpapi

import (
	"net/http"
	"os"

	"github.com/pipedash/pipedash/pkg/config"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type setupStatusResponse struct {
	ConfigExists      bool     `json:"config_exists"`
	ConfigValid       bool     `json:"config_valid"`
	ValidationErrors  []string `json:"validation_errors"`
	NeedsSetup        bool     `json:"needs_setup"`
	NeedsMigration    bool     `json:"needs_migration"`
	DatabaseExists    *bool    `json:"database_exists,omitempty"`
	DatabasePath      *string  `json:"database_path,omitempty"`
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	resp := setupStatusResponse{ValidationErrors: []string{}}

	_, statErr := os.Stat(s.configPath)
	resp.ConfigExists = statErr == nil

	if resp.ConfigExists {
		if _, err := config.Load(s.configPath); err != nil {
			resp.ConfigValid = false
			resp.ValidationErrors = append(resp.ValidationErrors, err.Error())
		} else {
			resp.ConfigValid = true
		}
	}

	resp.NeedsSetup = !resp.ConfigExists
	writeJSON(w, http.StatusOK, resp)
}

type setupConfigRequest struct {
	Config        config.File `json:"config"`
	VaultPassword *string     `json:"vault_password,omitempty"`
}

type setupConfigResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ConfigPath string `json:"config_path"`
}

func (s *Server) handleSetupConfig(w http.ResponseWriter, r *http.Request) {
	var req setupConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := config.Save(s.configPath, req.Config); err != nil {
		writeError(w, err)
		return
	}

	if req.VaultPassword != nil {
		s.session.SetSession(*req.VaultPassword)
		if err := s.vault.Unlock(r.Context(), *req.VaultPassword); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, setupConfigResponse{
		Success:    true,
		Message:    "configuration written",
		ConfigPath: s.configPath,
	})
}
