package jobs

import (
	"context"

	"github.com/teranos/databroker/db"
	"github.com/teranos/databroker/errors"
)

// ErrorCode represents the classification of a job failure
type ErrorCode string

const (
	ErrorCodeConfiguration   ErrorCode = "configuration"
	ErrorCodeClientInput     ErrorCode = "client_input"
	ErrorCodeValidationFault ErrorCode = "validation_fault"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeCancelled       ErrorCode = "cancelled"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage   string    // Where the error occurred
	Code    ErrorCode // Error classification
	Message string    // Human-readable message
	// Operator action is needed before the job is worth running again
	NeedsOperator bool
}

// ClassifyError labels a job failure for logging. Nothing is retried
// automatically; the label only tells an operator where to look.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Stage: stage, Message: err.Error()}
	switch {
	case errors.IsAny(err, context.Canceled, context.DeadlineExceeded):
		ec.Code = ErrorCodeCancelled
	case errors.IsConfiguration(err):
		ec.Code = ErrorCodeConfiguration
		ec.NeedsOperator = true
	case errors.IsClientInput(err):
		ec.Code = ErrorCodeClientInput
	case db.IsDatabaseClosed(err) || db.IsBusy(err):
		ec.Code = ErrorCodeDatabaseError
		ec.NeedsOperator = true
	case errors.IsValidationFault(err):
		ec.Code = ErrorCodeValidationFault
	default:
		ec.Code = ErrorCodeUnknown
	}
	return ec
}
