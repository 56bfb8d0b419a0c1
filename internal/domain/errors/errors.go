package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeReferenceData    ErrorType = "reference_data"
	ErrorTypeModelUnavailable ErrorType = "model_unavailable"
	ErrorTypeDetector         ErrorType = "detector"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
)

// Error codes surfaced to callers of the scoring engine
const (
	CodeInvalidClaim      = "INVALID_CLAIM"
	CodeUnknownCode       = "UNKNOWN_CODE"
	CodeUnknownPatient    = "UNKNOWN_PATIENT"
	CodeUnknownProvider   = "UNKNOWN_PROVIDER"
	CodeModelUnavailable  = "MODEL_UNAVAILABLE"
	CodeModelSchema       = "MODEL_SCHEMA_MISMATCH"
	CodeDetectorFailed    = "DETECTOR_FAILED"
	CodeInvalidTransition = "INVALID_STATUS_TRANSITION"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

// NewValidationError reports a malformed claim. The engine rejects it before
// scoring and never retries it.
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

// NewReferenceDataError reports an unresolvable patient, provider or code.
// Scoring is deferred; the caller retries once reference data catches up.
func NewReferenceDataError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeReferenceData,
		Code:       code,
		Message:    message,
		Retryable:  true,
		StatusCode: 424,
	}
}

// NewUnknownCodeError is the ReferenceDataError raised for a procedure or
// diagnosis code missing from the code dictionary.
func NewUnknownCodeError(system, code string) *AppError {
	return NewReferenceDataError(CodeUnknownCode,
		fmt.Sprintf("unknown %s code %q", system, code)).
		WithDetails(map[string]interface{}{"code_system": system, "code": code})
}

// NewModelUnavailableError fails scoring closed when the pinned model artifact
// cannot be loaded.
func NewModelUnavailableError(version, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeModelUnavailable,
		Code:       CodeModelUnavailable,
		Message:    fmt.Sprintf("model %s unavailable: %s", version, message),
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"model_version": version},
	}
}

func NewDetectorError(detector, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeDetector,
		Code:       CodeDetectorFailed,
		Message:    fmt.Sprintf("detector %s failed: %s", detector, message),
		Retryable:  false,
		StatusCode: 500,
		Details:    map[string]interface{}{"detector": detector},
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// HasCode checks if an error carries the given code
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
