package httpapi

import "net/http"

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipelines.Stats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	providerID, err := queryInt64Ptr(r, "provider_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if providerID != nil {
		s.pipelines.ClearProviderCache(*providerID)
	} else {
		s.pipelines.ClearAllCaches()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
