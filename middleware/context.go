package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const subjectKey contextKey = "subject"

// GetRequestIDFromContext returns the chi request ID for the request.
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// WithSubject stores the authenticated token subject in the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// GetSubjectFromContext returns the authenticated token subject, or "".
func GetSubjectFromContext(ctx context.Context) string {
	if sub, ok := ctx.Value(subjectKey).(string); ok {
		return sub
	}
	return ""
}
