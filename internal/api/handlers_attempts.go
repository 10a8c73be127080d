package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/peicollab/familyaccess/internal/storage"
)

// AttemptListHandler handles GET /v1/attempts — the access-attempt audit
// trail for staff. Filters: token, success, since (RFC 3339), limit.
func (s *Server) AttemptListHandler(w http.ResponseWriter, r *http.Request) {
	staff := staffFromCtx(r.Context())
	if staff == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var filter storage.AttemptFilter
	q := r.URL.Query()
	if v := q.Get("token"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid token id")
			return
		}
		filter.TokenID = &id
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid success flag")
			return
		}
		filter.Success = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}
	filter.Limit = 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	// Attempts carry no tenant column; scoping rides on the token filter.
	// Unfiltered queries would cross tenants, so only superadmins get them.
	if filter.TokenID != nil {
		t, err := s.store.GetTokenByID(r.Context(), *filter.TokenID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if t.TenantID != staff.TenantID && !staff.Role.CrossesTenants() {
			writeError(w, http.StatusForbidden, "not authorized")
			return
		}
	} else if !staff.Role.CrossesTenants() {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	attempts, err := s.attempts.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type attemptView struct {
		ID          int64      `json:"id"`
		TokenID     *uuid.UUID `json:"token_id,omitempty"`
		AttemptedAt time.Time  `json:"attempted_at"`
		ClientIP    string     `json:"client_ip"`
		Success     bool       `json:"success"`
		Reason      string     `json:"reason,omitempty"`
	}
	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, attemptView{
			ID:          a.ID,
			TokenID:     a.TokenID,
			AttemptedAt: a.AttemptedAt,
			ClientIP:    a.ClientIP,
			Success:     a.Success,
			Reason:      a.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": views})
}
