package types

import "fmt"

// ErrorCode represents a stable error code surfaced to callers.
type ErrorCode string

// Orchestrator error codes
const (
	ErrCodeInvalidOptions      ErrorCode = "INVALID_OPTIONS"
	ErrCodeInvalidTransport    ErrorCode = "INVALID_TRANSPORT"
	ErrCodeMissingTarget       ErrorCode = "MISSING_TARGET"
	ErrCodePolicyDenied        ErrorCode = "POLICY_DENIED"
	ErrCodeSendFailed          ErrorCode = "SEND_FAILED"
	ErrCodeNotAwaitingApproval ErrorCode = "NOT_AWAITING_APPROVAL"
	ErrCodeInvalidStoreData    ErrorCode = "INVALID_STORE_DATA"
	ErrCodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
)

// Federation and audit error codes
const (
	ErrCodeMissingTenant     ErrorCode = "MISSING_TENANT"
	ErrCodeMissingSigningKey ErrorCode = "MISSING_SIGNING_KEY"
	ErrCodeMissingSecret     ErrorCode = "MISSING_SECRET"
	ErrCodeUnknownProtocol   ErrorCode = "UNKNOWN_PROTOCOL"
)

// Error is a structured error with a stable code, a human-readable message,
// and optional metadata. Operational failures that abort an in-progress call
// are always reported as *Error; expected adversarial outcomes (signature
// mismatches, boundary denials) are returned as result values instead.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail attaches a metadata key/value pair.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
