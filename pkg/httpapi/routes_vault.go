package httpapi

import "net/http"

type vaultStatusResponse struct {
	IsUnlocked       bool   `json:"is_unlocked"`
	PasswordSource   string `json:"password_source"`
	Backend          string `json:"backend"`
	RequiresPassword bool   `json:"requires_password"`
	IsFirstTime      bool   `json:"is_first_time"`
}

func (s *Server) handleVaultStatus(w http.ResponseWriter, r *http.Request) {
	_, source := s.session.Password()
	writeJSON(w, http.StatusOK, vaultStatusResponse{
		IsUnlocked:       s.vault.IsUnlocked(),
		PasswordSource:   string(source),
		Backend:          s.storageKind,
		RequiresPassword: s.session.RequiresPassword(),
		IsFirstTime:      !s.vault.IsUnlocked() && !s.session.RequiresPassword(),
	})
}

type vaultUnlockRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleVaultUnlock(w http.ResponseWriter, r *http.Request) {
	var req vaultUnlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.Unlock(r.Context(), req.Password); err != nil {
		writeError(w, err)
		return
	}
	s.session.SetSession(req.Password)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleVaultLock(w http.ResponseWriter, r *http.Request) {
	s.vault.Lock()
	s.session.Clear()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
