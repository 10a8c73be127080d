package api

import (
	"context"

	"github.com/peicollab/familyaccess/pkg/models"
)

type contextKey string

const (
	ctxKeyStaff     contextKey = "staff"
	ctxKeyRequestID contextKey = "request_id"
)

func withStaff(ctx context.Context, s *models.StaffMember) context.Context {
	return context.WithValue(ctx, ctxKeyStaff, s)
}

func staffFromCtx(ctx context.Context) *models.StaffMember {
	s, _ := ctx.Value(ctxKeyStaff).(*models.StaffMember)
	return s
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
