package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
)

// recordAudit writes an audit entry for a successful change. Failures are
// logged and never fail the request.
func (s *Server) recordAudit(r *http.Request, action, target, targetID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		Action:    action,
		Target:    target,
		TargetID:  targetID,
		Source:    SourceAPI,
		RequestID: requestID(r),
		Details:   details,
	}
	if err := s.audit.Record(r.Context(), e); err != nil {
		s.logger.Warn("failed to record audit entry",
			"action", action,
			"target", target,
			"target_id", targetID,
			"error", err,
		)
	}
}

// handleListAudit pages the audit trail.
//
// Query parameters: action, target, target_id, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit log is not available")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Action:   q.Get("action"),
		Target:   q.Get("target"),
		TargetID: q.Get("target_id"),
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, name+" must be an integer")
			return
		}
		*dst = n
	}

	page, err := s.audit.List(r.Context(), f)
	if err != nil {
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
