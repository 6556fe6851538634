package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway        ErrorCode = "BAD_GATEWAY"

	// Connection supervisor
	ErrCodeAuthTimeout ErrorCode = "AUTH_TIMEOUT"
	ErrCodeAuthFailed  ErrorCode = "AUTH_FAILED"

	// Room/transport handlers
	ErrCodeInvalidRoomPassword ErrorCode = "INVALID_ROOM_PASSWORD"
	ErrCodeBanned              ErrorCode = "BANNED"
	ErrCodeNotInRoom           ErrorCode = "NOT_IN_ROOM"
	ErrCodeNoUpstream          ErrorCode = "NO_UPSTREAM"
	ErrCodeCannotConsume       ErrorCode = "CANNOT_CONSUME"
	ErrCodeDownstreamNotFound  ErrorCode = "DOWNSTREAM_NOT_FOUND"
	ErrCodeConsumerNotFound    ErrorCode = "CONSUMER_NOT_FOUND"

	// Worker pool
	ErrCodeNoWorkersAvailable ErrorCode = "NO_WORKERS_AVAILABLE"
	ErrCodeWorkerDied         ErrorCode = "WORKER_DIED"

	// Distributed lock
	ErrCodeLockBusy    ErrorCode = "RESOURCE_BUSY"
	ErrCodeLockAborted ErrorCode = "LOCK_ABORTED"

	// Messaging
	ErrCodeDuplicateMessage ErrorCode = "DUPLICATE_MESSAGE"

	// Audio side-tap
	ErrCodePortPairUnavailable  ErrorCode = "NO_PORT_PAIRS"
	ErrCodeTranscriptionTimeout ErrorCode = "TRANSCRIPTION_TIMEOUT"
	ErrCodeTranscriptionFailure ErrorCode = "TRANSCRIPTION_FAILURE"

	// Infra
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func NewAuthTimeoutError() *AppError {
	return NewAppError(ErrCodeAuthTimeout, "authentication handshake timed out", http.StatusUnauthorized)
}

func NewAuthFailedError(cause error) *AppError {
	return WrapError(cause, ErrCodeAuthFailed, "token validation failed", http.StatusUnauthorized)
}

func NewInvalidRoomPasswordError() *AppError {
	return NewAppError(ErrCodeInvalidRoomPassword, "Invalid room password", http.StatusForbidden)
}

func NewBannedError() *AppError {
	return NewAppError(ErrCodeBanned, "user is blocked from this room", http.StatusForbidden)
}

func NewNotInRoomError() *AppError {
	return NewAppError(ErrCodeNotInRoom, "peer is not in a room", http.StatusConflict)
}

func NewNoUpstreamError() *AppError {
	return NewAppError(ErrCodeNoUpstream, "peer has no upstream transport", http.StatusConflict)
}

func NewCannotConsumeError() *AppError {
	return NewAppError(ErrCodeCannotConsume, "router cannot consume this producer", http.StatusConflict)
}

func NewDownstreamNotFoundError() *AppError {
	return NewAppError(ErrCodeDownstreamNotFound, "no downstream transport for this producer", http.StatusNotFound)
}

func NewConsumerNotFoundError() *AppError {
	return NewAppError(ErrCodeConsumerNotFound, "no consumer for this producer", http.StatusNotFound)
}

func NewNoWorkersAvailableError() *AppError {
	return NewAppError(ErrCodeNoWorkersAvailable, "no live media workers available", http.StatusServiceUnavailable)
}

func NewWorkerDiedError(pid int) *AppError {
	return NewAppError(ErrCodeWorkerDied, fmt.Sprintf("worker pid %d died", pid), http.StatusInternalServerError)
}

func NewLockBusyError(resource string) *AppError {
	return NewAppError(ErrCodeLockBusy, fmt.Sprintf("lock %q is busy", resource), http.StatusConflict)
}

func NewLockAbortedError(resource string) *AppError {
	return NewAppError(ErrCodeLockAborted, fmt.Sprintf("lock %q aborted mid-task", resource), http.StatusInternalServerError)
}

func NewDuplicateMessageError(messageID string) *AppError {
	return NewAppError(ErrCodeDuplicateMessage, fmt.Sprintf("message %q already delivered", messageID), http.StatusConflict)
}

func NewPortPairUnavailableError() *AppError {
	return NewAppError(ErrCodePortPairUnavailable, "no consecutive free RTP/RTCP port pair", http.StatusServiceUnavailable)
}

func NewTranscriptionTimeoutError() *AppError {
	return NewAppError(ErrCodeTranscriptionTimeout, "transcription subprocess timed out", http.StatusGatewayTimeout)
}

func NewTranscriptionFailureError(cause error) *AppError {
	return WrapError(cause, ErrCodeTranscriptionFailure, "transcription subprocess failed", http.StatusInternalServerError)
}

func NewStoreUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeStoreUnavailable, "shared store unavailable", http.StatusServiceUnavailable)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	
	// Try to unwrap
	type unwrapper interface {
		Unwrap() error
	}
	
	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}
	
	return nil
}

