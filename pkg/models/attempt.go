package models

import (
	"time"

	"github.com/google/uuid"
)

// AccessAttempt is one family-access validation attempt, successful or not.
// The precise rejection reason is kept here for staff auditing even though
// the public response collapses all rejections into one generic message.
type AccessAttempt struct {
	ID          int64
	TokenID     *uuid.UUID
	AttemptedAt time.Time
	ClientIP    string
	Success     bool
	Reason      string
}
