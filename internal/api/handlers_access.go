package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/peicollab/familyaccess/internal/token"
)

// accessDeniedMsg is the single message every rejection collapses into.
// The specific reason stays in the attempt log and metrics only, so the
// response leaks nothing to someone probing secrets.
const accessDeniedMsg = "access denied: link invalid or expired"

// FamilyAccessHandler handles GET /family/access?token=….
// Optional student/plan query parameters pin the expected scope.
func (s *Server) FamilyAccessHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := token.ValidateRequest{
		RawSecret: q.Get("token"),
		ClientIP:  clientIP(r),
	}
	if v := q.Get("student"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusForbidden, accessDeniedMsg)
			return
		}
		req.ExpectedStudentID = &id
	}
	if v := q.Get("plan"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusForbidden, accessDeniedMsg)
			return
		}
		req.ExpectedPlanID = &id
	}

	grant, rejection, err := s.tokens.Validate(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rejection != token.RejectNone {
		validationsTotal.WithLabelValues(string(rejection)).Inc()
		writeError(w, http.StatusForbidden, accessDeniedMsg)
		return
	}
	validationsTotal.WithLabelValues("granted").Inc()

	writeJSON(w, http.StatusOK, map[string]any{"grant": grant})
}
