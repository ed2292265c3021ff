// Package errors provides error handling for the broker.
//
// This package re-exports github.com/cockroachdb/errors and adds the
// sentinel errors that classify every failure the broker can report:
//
//   - ErrConfiguration: a rule set or job graph is wrong. Fixed by operators.
//   - ErrClientInput: the caller sent something unusable. Rejected, no retry.
//   - ErrValidationFault: infrastructure broke while evaluating a job.
//   - ErrCertificationRejected: a certification precondition did not hold.
//
// Usage:
//
//	if err := store.Load(); err != nil {
//	    return errors.Wrap(err, "load rule definitions")
//	}
//
//	return errors.WithDetailf(errors.ErrValidationFault, "job %d row %d", jobID, row)
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Failure classes. Use these with errors.Is() and wrap them with
// errors.Wrap() or errors.Mark() to add context while keeping the class.
var (
	// ErrConfiguration indicates a rule definition or job graph is malformed
	ErrConfiguration = New("configuration error")

	// ErrClientInput indicates the caller supplied an unusable identifier or file
	ErrClientInput = New("invalid client input")

	// ErrValidationFault indicates evaluation or persistence broke mid-run
	ErrValidationFault = New("validation fault")

	// ErrCertificationRejected indicates a certification precondition failed
	ErrCertificationRejected = New("certification rejected")
)

// Common sentinel errors.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest is kept as an alias of ErrClientInput
	ErrInvalidRequest = ErrClientInput

	// ErrForbidden indicates the acting user lacks a required capability
	ErrForbidden = New("forbidden")

	// ErrConflict indicates a concurrent request already holds the resource
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsClientInput reports whether err should be surfaced to the caller as a rejection.
// Not-found, forbidden and conflict errors are client input errors too.
func IsClientInput(err error) bool {
	return err != nil && IsAny(err, ErrClientInput, ErrNotFound, ErrForbidden, ErrConflict)
}

// IsConfiguration checks if an error is or wraps ErrConfiguration
func IsConfiguration(err error) bool {
	return err != nil && Is(err, ErrConfiguration)
}

// IsValidationFault checks if an error is or wraps ErrValidationFault
func IsValidationFault(err error) bool {
	return err != nil && Is(err, ErrValidationFault)
}

// IsCertificationRejected checks if an error is or wraps ErrCertificationRejected
func IsCertificationRejected(err error) bool {
	return err != nil && Is(err, ErrCertificationRejected)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewClientInputError creates a client input error with a formatted message
func NewClientInputError(format string, args ...interface{}) error {
	return Wrapf(ErrClientInput, format, args...)
}

// NewConfigurationError creates a configuration error with a formatted message
func NewConfigurationError(format string, args ...interface{}) error {
	return Wrapf(ErrConfiguration, format, args...)
}

// WrapValidationFault marks err as a validation fault, keeping its message and stack.
func WrapValidationFault(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Mark(Wrapf(err, format, args...), ErrValidationFault)
}
