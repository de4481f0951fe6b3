package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	// JobIDKey is the key used to store and retrieve the job id from context
	JobIDKey ContextKey = "job_id"

	// AttemptIDKey is the key used to store and retrieve the delivery attempt id from context
	AttemptIDKey ContextKey = "attempt_id"

	// StageKey is the key used to store the stage currently running
	StageKey ContextKey = "stage"
)

// WithJobID returns a new context with the job ID set
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithAttemptID returns a new context with the attempt ID set
func WithAttemptID(ctx context.Context, attemptID string) context.Context {
	return context.WithValue(ctx, AttemptIDKey, attemptID)
}

// WithStage returns a new context naming the running stage
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, StageKey, stage)
}

// NewAttemptID generates an attempt ID if the context does not carry one yet.
// Each delivery of a message gets its own attempt so redeliveries can be told apart in logs.
func NewAttemptID(ctx context.Context) (context.Context, string) {
	if id := GetAttemptID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return WithAttemptID(ctx, id), id
}

// GetJobID retrieves the job ID from the context
func GetJobID(ctx context.Context) string {
	if id, ok := ctx.Value(JobIDKey).(string); ok {
		return id
	}
	return ""
}

// GetAttemptID retrieves the attempt ID from the context
func GetAttemptID(ctx context.Context) string {
	if id, ok := ctx.Value(AttemptIDKey).(string); ok {
		return id
	}
	return ""
}

// GetStage retrieves the stage name from the context
func GetStage(ctx context.Context) string {
	if s, ok := ctx.Value(StageKey).(string); ok {
		return s
	}
	return ""
}

// EnrichLoggerWithContext creates a new logger with job, attempt and stage fields
// added from the context
func EnrichLoggerWithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	contextFields := []zapcore.Field{}

	if jobID := GetJobID(ctx); jobID != "" {
		contextFields = append(contextFields, zap.String("job_id", jobID))
	}
	if attemptID := GetAttemptID(ctx); attemptID != "" {
		contextFields = append(contextFields, zap.String("attempt_id", attemptID))
	}
	if stage := GetStage(ctx); stage != "" {
		contextFields = append(contextFields, zap.String("stage", stage))
	}

	if len(contextFields) > 0 {
		return logger.With(contextFields...)
	}

	return logger
}
