package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
)

// handleListObjects returns every host object with its current values.
func (s *Server) handleListObjects(w http.ResponseWriter, _ *http.Request) {
	if s.host == nil {
		writeUnavailable(w, "host objects are not available")
		return
	}
	objects := s.host.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects, "count": len(objects)})
}

// handleSetProperty writes a host property. The body is the JSON value.
func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeUnavailable(w, "host objects are not available")
		return
	}
	object, property := chi.URLParam(r, "object"), chi.URLParam(r, "property")

	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeBadRequest(w, "body must be a JSON value")
		return
	}

	err := s.host.UpdateProperty(object, property, value, SourceAPI)
	switch {
	case err == nil:
		s.recordAudit(r, audit.ActionSet, audit.TargetProperty, object+"."+property, map[string]any{"value": value})
		writeJSON(w, http.StatusOK, map[string]any{"object": object, "property": property, "value": value})
	case errors.Is(err, host.ErrUnknownObject), errors.Is(err, host.ErrUnknownProperty):
		writeNotFound(w, err.Error())
	default:
		writeInternalError(w, "failed to set property")
	}
}
