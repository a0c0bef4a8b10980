package web

import (
	"net/http"
	"strings"
)

func (s *Server) handleGenerateMappings(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	outcome, err := s.service.GenerateMappings(ctx, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleGetMappings(w http.ResponseWriter, r *http.Request) {
	id, _ := sessionRequest(r)
	outcome, err := s.service.Mappings(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// overrideRequest sets or clears the target of one source column. An empty
// target unmaps the column.
type overrideRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (s *Server) handleOverrideMapping(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)

	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		respondError(w, r, invalidRequest("source is required"))
		return
	}

	outcome, err := s.service.OverrideMapping(ctx, id, req.Source, req.Target)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	id, ctx := sessionRequest(r)
	field := r.URL.Query().Get("field")
	if field == "" {
		respondError(w, r, invalidRequest("field query parameter is required"))
		return
	}

	suggestions, err := s.service.Suggestions(ctx, id, field)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"field": field, "suggestions": suggestions})
}
