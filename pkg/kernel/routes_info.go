package kernel

import "net/http"

// handleInfoModels serves GET /v1/info/models: the declared model
// allow-list (spec.md §6's info.models command).
func (s *Server) handleInfoModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.params["model"].AllowedValues)
}

// handleInfoVAEs serves GET /v1/info/vaes.
func (s *Server) handleInfoVAEs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.params["vae"].AllowedValues)
}

// handleInfoLoras serves GET /v1/info/loras (SPEC_FULL.md §6 supplement).
func (s *Server) handleInfoLoras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loras)
}

// handleInfoEmbeddings serves GET /v1/info/embeddings.
func (s *Server) handleInfoEmbeddings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.embeddings)
}

// handleInfoUsage serves GET /v1/info/usage/{user_id} (SPEC_FULL.md §5/§6
// supplement, backed by the DuckDB generation log).
func (s *Server) handleInfoUsage(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r.URL.Path, "/v1/info/usage/")
	if s.usage == nil {
		writeJSON(w, http.StatusOK, map[string]any{"total_images": 0, "total_requests": 0})
		return
	}
	summary, err := s.usage.Usage(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
