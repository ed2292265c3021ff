package logger

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldJobID        = "job_id"
	FieldSubmissionID = "submission_id"
	FieldUserID       = "user_id"
	FieldRunID        = "run_id"

	// Components
	FieldComponent = "component"
	FieldWorker    = "worker"

	// Validation
	FieldFileType = "file_type"
	FieldFilename = "filename"
	FieldRuleID   = "rule_id"
	FieldRow      = "row"
	FieldErrors   = "errors"
	FieldWarnings = "warnings"

	// Operations
	FieldOperation  = "operation"
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorType = "error_type"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	// Status
	FieldStatus = "status"
	FieldPath   = "path"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey        contextKey = "logger_job_id"
	submissionIDKey contextKey = "logger_submission_id"
	componentKey    contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithSubmissionID adds a submission ID to the context for logging
func WithSubmissionID(ctx context.Context, submissionID int64) context.Context {
	return context.WithValue(ctx, submissionIDKey, submissionID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(int64); ok && jobID != 0 {
		fields = append(fields, FieldJobID, strconv.FormatInt(jobID, 10))
	}
	if submissionID, ok := ctx.Value(submissionIDKey).(int64); ok && submissionID != 0 {
		fields = append(fields, FieldSubmissionID, strconv.FormatInt(submissionID, 10))
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	pool := jobs.NewWorkerPool(store, registry, cfg, logger.ComponentLogger("jobs.worker"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
