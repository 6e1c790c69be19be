package kernel

import (
	"encoding/json"
	"net/http"
)

// handleGetPreferences serves GET /v1/preferences/{user_id}.
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r.URL.Path, "/v1/preferences/")
	writeJSON(w, http.StatusOK, s.prefs.ToMap(userID))
}

// handleSetPreferences serves PUT /v1/preferences/{user_id} with a flat
// {param_name: value} body. Only fields that are valid parameter names
// are meaningful to Admission; unrecognized keys are stored but ignored
// at read time (spec.md §3).
func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r.URL.Path, "/v1/preferences/")
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for k, v := range body {
		s.prefs.Set(userID, k, v)
	}
	writeJSON(w, http.StatusOK, s.prefs.ToMap(userID))
}
