package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/peicollab/familyaccess/internal/authz"
	"github.com/peicollab/familyaccess/internal/storage"
	"github.com/peicollab/familyaccess/internal/token"
	"github.com/peicollab/familyaccess/pkg/models"
)

// tokenView is the wire shape of token metadata. The secret digest never
// appears here.
type tokenView struct {
	ID         uuid.UUID          `json:"id"`
	StudentID  uuid.UUID          `json:"student_id"`
	PlanID     uuid.UUID          `json:"plan_id"`
	IssuedBy   uuid.UUID          `json:"issued_by"`
	IssuedAt   time.Time          `json:"issued_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
	UsageLimit int                `json:"usage_limit"`
	UsageCount int                `json:"usage_count"`
	LastUsedAt *time.Time         `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time         `json:"revoked_at,omitempty"`
	Status     models.TokenStatus `json:"status"`
}

func toTokenView(t *models.AccessToken, now time.Time) tokenView {
	return tokenView{
		ID:         t.ID,
		StudentID:  t.StudentID,
		PlanID:     t.PlanID,
		IssuedBy:   t.IssuedBy,
		IssuedAt:   t.IssuedAt,
		ExpiresAt:  t.ExpiresAt,
		UsageLimit: t.UsageLimit,
		UsageCount: t.UsageCount,
		LastUsedAt: t.LastUsedAt,
		RevokedAt:  t.RevokedAt,
		Status:     t.Status(now),
	}
}

// TokenIssueHandler handles POST /v1/tokens.
// The response is the only place the raw secret ever appears.
func (s *Server) TokenIssueHandler(w http.ResponseWriter, r *http.Request) {
	staff := staffFromCtx(r.Context())
	if staff == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req token.IssueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.IssuerID = staff.ID

	result, err := s.tokens.Issue(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	tokensIssuedTotal.Inc()

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      result.RawSecret,
		"access_url": result.AccessURL,
		"record":     toTokenView(result.Token, time.Now().UTC()),
	})
}

// TokenListHandler handles GET /v1/tokens?student=…&plan=….
func (s *Server) TokenListHandler(w http.ResponseWriter, r *http.Request) {
	staff := staffFromCtx(r.Context())
	if staff == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var filter storage.TokenFilter
	if v := r.URL.Query().Get("student"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid student id")
			return
		}
		filter.StudentID = &id
	}
	if v := r.URL.Query().Get("plan"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid plan id")
			return
		}
		filter.PlanID = &id
	}
	// Superadmins may inspect another tenant explicitly.
	if v := r.URL.Query().Get("tenant"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tenant id")
			return
		}
		filter.TenantID = id
	}

	tokens, err := s.tokens.List(r.Context(), staff.ID, filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	now := time.Now().UTC()
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, toTokenView(t, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

// TokenRevokeHandler handles POST /v1/tokens/{id}/revoke. Idempotent.
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	staff := staffFromCtx(r.Context())
	if staff == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	if err := s.tokens.Revoke(r.Context(), id, staff.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps token-service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *token.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, authz.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
