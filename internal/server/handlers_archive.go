package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/evergreen-ai/evergreen/internal/archive"
)

// listArchive handles GET /archive.
func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "archive disabled")
		return
	}
	ids, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

// getArchived handles GET /archive/{sessionID}.
func (s *Server) getArchived(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "archive disabled")
		return
	}
	rec, err := s.store.Load(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "no transcript for session")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
