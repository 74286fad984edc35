// Package apierrors provides standardized domain errors with codes for the
// transcoding and streaming API.
//
// Usage:
//
//	// In workers/services - return typed errors
//	if !canDecode {
//	    return apierrors.InputMissing("source codec not decodable")
//	}
//
//	// In handlers - check with apierrors.Is
//	if apierrors.Is(err, apierrors.ErrNotFound) {
//	    httpresponse.NotFound(w, err.Error(), logger)
//	    return
//	}
//
//	// Or use the Code directly for switch statements
//	var apiErr *apierrors.Error
//	if apierrors.As(err, &apiErr) {
//	    switch apiErr.Code {
//	    case apierrors.CodeStorageError:
//	        httpresponse.InternalError(w, apiErr.Message, logger)
//	    case apierrors.CodeNotFound:
//	        httpresponse.NotFound(w, apiErr.Message, logger)
//	    }
//	}
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Code represents a machine-readable error code.
type Code string

// Error codes used throughout the application.
const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeValidation    Code = "VALIDATION"
	CodeConflict      Code = "CONFLICT"
	CodeInternal      Code = "INTERNAL"

	// CodeInputMissing marks a chapter whose source audio cannot be read or
	// decoded at all (missing file, unsupported codec). Never retried.
	CodeInputMissing Code = "INPUT_MISSING"
	// CodeEncoderFailure marks an ffmpeg/ffprobe invocation that exited
	// non-zero or produced no output segments. Retried per the bitrate
	// queue's backoff policy.
	CodeEncoderFailure Code = "ENCODER_FAILURE"
	// CodeStorageError marks an object-store put/get/delete failure (local
	// disk or S3).
	CodeStorageError Code = "STORAGE_ERROR"
	// CodeCacheError marks a Redis cache read/write failure. Callers should
	// fall back to the object store rather than fail the request.
	CodeCacheError Code = "CACHE_ERROR"
	// CodeBrokerError marks an AMQP publish/consume failure on the intake
	// exchange.
	CodeBrokerError Code = "BROKER_ERROR"
	// CodeDBError marks a SQLite read/write failure. Transient errors
	// (busy, locked) unwrap to ErrRetryable; everything else is terminal.
	CodeDBError Code = "DB_ERROR"
)

// HTTPStatus returns the appropriate HTTP status code for an error code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeConflict:
		return http.StatusConflict
	case CodeValidation, CodeInputMissing:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error  // unexported, for wrapping
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a new error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		cause:   e.cause,
	}
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		cause:   err,
	}
}

// Retryable reports whether the error's cause is ErrRetryable, i.e. whether
// a worker should re-enqueue rather than mark the job permanently failed.
func (e *Error) Retryable() bool {
	return errors.Is(e.cause, ErrRetryable)
}

// ErrRetryable marks a DB or encoder error as transient. Wrap a cause with
// it via WithCause to signal the bitrate/master worker should retry instead
// of failing the job outright.
var ErrRetryable = errors.New("retryable")

// Sentinel errors for use with errors.Is().
var (
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyExists   = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrValidation      = &Error{Code: CodeValidation, Message: "validation error"}
	ErrConflict        = &Error{Code: CodeConflict, Message: "conflict"}
	ErrInternal        = &Error{Code: CodeInternal, Message: "internal error"}
	ErrInputMissing    = &Error{Code: CodeInputMissing, Message: "source input missing or undecodable"}
	ErrEncoderFailure  = &Error{Code: CodeEncoderFailure, Message: "encoder failure"}
	ErrStorageError    = &Error{Code: CodeStorageError, Message: "object store error"}
	ErrCacheError      = &Error{Code: CodeCacheError, Message: "cache error"}
	ErrBrokerError     = &Error{Code: CodeBrokerError, Message: "broker error"}
	ErrDBError         = &Error{Code: CodeDBError, Message: "database error"}
)

// Constructor functions for creating errors with custom messages.

// NotFound creates a not found error.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// NotFoundf creates a not found error with formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// AlreadyExists creates an already exists error.
func AlreadyExists(msg string) *Error {
	return &Error{Code: CodeAlreadyExists, Message: msg}
}

// AlreadyExistsf creates an already exists error with formatted message.
func AlreadyExistsf(format string, args ...any) *Error {
	return &Error{Code: CodeAlreadyExists, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// Validationf creates a validation error with formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationWithDetails creates a validation error with details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// Conflict creates a conflict error.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

// Conflictf creates a conflict error with formatted message.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal creates an internal error.
func Internal(msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg}
}

// Internalf creates an internal error with formatted message.
func Internalf(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// InputMissing creates an input-missing error (unsupported codec, unreadable
// source file). Bitrate Worker treats this as non-retryable.
func InputMissing(msg string) *Error {
	return &Error{Code: CodeInputMissing, Message: msg}
}

// InputMissingf creates an input-missing error with formatted message.
func InputMissingf(format string, args ...any) *Error {
	return &Error{Code: CodeInputMissing, Message: fmt.Sprintf(format, args...)}
}

// EncoderFailure wraps an ffmpeg/ffprobe execution error.
func EncoderFailure(err error) *Error {
	return &Error{Code: CodeEncoderFailure, Message: "encoder failure", cause: err}
}

// EncoderFailuref wraps an ffmpeg/ffprobe execution error with a formatted message.
func EncoderFailuref(err error, format string, args ...any) *Error {
	return &Error{Code: CodeEncoderFailure, Message: fmt.Sprintf(format, args...), cause: err}
}

// StorageError wraps an object-store failure.
func StorageError(err error) *Error {
	return &Error{Code: CodeStorageError, Message: "object store error", cause: err}
}

// StorageErrorf wraps an object-store failure with a formatted message.
func StorageErrorf(err error, format string, args ...any) *Error {
	return &Error{Code: CodeStorageError, Message: fmt.Sprintf(format, args...), cause: err}
}

// CacheError wraps a Redis cache failure.
func CacheError(err error) *Error {
	return &Error{Code: CodeCacheError, Message: "cache error", cause: err}
}

// BrokerError wraps an AMQP publish/consume failure.
func BrokerError(err error) *Error {
	return &Error{Code: CodeBrokerError, Message: "broker error", cause: err}
}

// BrokerErrorf wraps an AMQP publish/consume failure with a formatted message.
func BrokerErrorf(err error, format string, args ...any) *Error {
	return &Error{Code: CodeBrokerError, Message: fmt.Sprintf(format, args...), cause: err}
}

// DBError wraps a SQLite failure. Pass retryable true for busy/locked
// errors the caller should retry rather than fail the job for.
func DBError(err error, retryable bool) *Error {
	cause := err
	if retryable {
		cause = Join(err, ErrRetryable)
	}
	return &Error{Code: CodeDBError, Message: "database error", cause: cause}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}
