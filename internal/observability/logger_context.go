// Package observability carries loggers and correlation ids on contexts.
package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// submissionContextKey stores the submission id a packet handler is acting
// on so that repository and event layers can correlate their logs.
type submissionContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithSubmission stores a submission id in the context.
func ContextWithSubmission(ctx context.Context, id int64) context.Context {
	if ctx == nil || id == 0 {
		return ctx
	}
	return context.WithValue(ctx, submissionContextKey{}, id)
}

// SubmissionFromContext retrieves the submission id, or zero when absent.
func SubmissionFromContext(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if v := ctx.Value(submissionContextKey{}); v != nil {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
