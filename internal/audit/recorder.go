package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peicollab/familyaccess/internal/storage"
	"github.com/peicollab/familyaccess/pkg/models"
)

// Recorder persists family-access validation attempts for staff auditing.
// Bearer secrets must NEVER be passed here, only metadata.
type Recorder struct {
	store storage.Store
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Record stores one attempt. Recording failures are logged and swallowed;
// the validation path must not fail because the audit trail hiccupped.
func (r *Recorder) Record(ctx context.Context, attempt *models.AccessAttempt) {
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}
	if err := r.store.RecordAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Msg("recording access attempt failed")
	}
}

// Query retrieves attempts matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, filter storage.AttemptFilter) ([]*models.AccessAttempt, error) {
	return r.store.QueryAttempts(ctx, filter)
}
