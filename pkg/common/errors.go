package common

import (
	"errors"
	"net/http"
)

// Stable machine-readable error codes. Clients branch on these, so
// they never change once published.
const (
	CodeValidation         = "VALIDATION"
	CodeActiveRideExists   = "ACTIVE_RIDE_EXISTS"
	CodeRideNotFound       = "RIDE_NOT_FOUND"
	CodeRideNotAvailable   = "RIDE_NOT_AVAILABLE"
	CodeRideNotCancellable = "RIDE_NOT_CANCELLABLE"
	CodeDriverNotAvailable = "DRIVER_NOT_AVAILABLE"
	CodeOfferNotFound      = "OFFER_NOT_FOUND"
	CodeOfferExpired       = "OFFER_EXPIRED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL"
)

// Common error types
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrConflict       = errors.New("resource conflict")
	ErrValidation     = errors.New("validation error")
	ErrInternalServer = errors.New("internal server error")
)

// AppError represents an application error with HTTP status code and a
// stable machine-readable error code.
type AppError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As
func (e *AppError) Unwrap() error {
	return e.Err
}

// AsAppError extracts an AppError from an error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// NewAppError creates a new AppError
func NewAppError(code int, errorCode, message string, err error) *AppError {
	return &AppError{
		Code:      code,
		ErrorCode: errorCode,
		Message:   message,
		Err:       err,
	}
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:      http.StatusBadRequest,
		ErrorCode: CodeValidation,
		Message:   message,
		Err:       ErrValidation,
	}
}

func NewNotFoundError(errorCode, message string) *AppError {
	return &AppError{
		Code:      http.StatusNotFound,
		ErrorCode: errorCode,
		Message:   message,
		Err:       ErrNotFound,
	}
}

func NewConflictError(errorCode, message string) *AppError {
	return &AppError{
		Code:      http.StatusConflict,
		ErrorCode: errorCode,
		Message:   message,
		Err:       ErrConflict,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:      http.StatusUnauthorized,
		ErrorCode: CodeUnauthorized,
		Message:   message,
		Err:       ErrUnauthorized,
	}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:      http.StatusInternalServerError,
		ErrorCode: CodeInternal,
		Message:   message,
		Err:       err,
	}
}
