package api

import (
	"net/http"
	"time"
)

// HealthHandler handles GET /v1/sys/health. Also refreshes the active-token
// gauge, which keeps the metric current without a background sweeper.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	active, err := s.store.CountActiveTokens(r.Context(), now)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
		})
		return
	}
	activeTokens.Set(float64(active))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"active_tokens": active,
		"time":          now.Unix(),
	})
}

// PurgeHandler handles POST /v1/admin/purge — retention cleanup of revoked
// and long-expired tokens. Superadmin only.
func (s *Server) PurgeHandler(w http.ResponseWriter, r *http.Request) {
	staff := staffFromCtx(r.Context())
	if staff == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		RetainFor string `json:"retain_for"`
	}
	decodeJSON(r, &req) //nolint:errcheck

	var retainFor time.Duration
	if req.RetainFor != "" {
		var err error
		retainFor, err = time.ParseDuration(req.RetainFor)
		if err != nil || retainFor < 0 {
			writeError(w, http.StatusBadRequest, "invalid retain_for duration")
			return
		}
	}

	purged, err := s.tokens.PurgeExpired(r.Context(), staff.ID, retainFor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}
