package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeTokenExpired = "TOKEN_EXPIRED"

	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"

	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"

	CodeRateLimited = "RATE_LIMITED"

	CodeQueueError    = "QUEUE_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeUnavailable   = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, http.StatusUnauthorized)
}

func TokenExpired() *AppError {
	return New(CodeTokenExpired, "token expired", http.StatusUnauthorized)
}

func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func InvalidInput(field, message string) *AppError {
	return New(CodeInvalidInput, message, http.StatusBadRequest).WithDetail("field", field)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

func RateLimited(retryAfter time.Duration) *AppError {
	return New(CodeRateLimited, "too many requests", http.StatusTooManyRequests).
		WithDetail("retry_after_ms", retryAfter.Milliseconds())
}

func QueueError(err error) *AppError {
	return Wrap(err, CodeQueueError, "failed to enqueue job", http.StatusServiceUnavailable)
}

func Internal(err error) *AppError {
	return Wrap(err, CodeInternalError, "internal server error", http.StatusInternalServerError)
}

func Unavailable(message string) *AppError {
	return New(CodeUnavailable, message, http.StatusServiceUnavailable)
}

// As extracts an *AppError from the chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for err; 500 when it is not an AppError.
func StatusOf(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
