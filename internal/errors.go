package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL_ERROR"
	// ErrorTypeRetryable marks failures whose outcome is unknown or transient:
	// the caller may retry or wait for reconciliation to settle the state.
	ErrorTypeRetryable ErrorType = "RETRYABLE_ERROR"
	// ErrorTypeTerminal marks failures the gateway has definitively rejected.
	ErrorTypeTerminal ErrorType = "TERMINAL_ERROR"
	// ErrorTypeIntegrity marks defects: illegal transitions, orphaned
	// correlation ids. These alert, they are never swallowed.
	ErrorTypeIntegrity    ErrorType = "INTEGRITY_ERROR"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidPhone     ErrorCode = "INVALID_PHONE"

	ErrCodeIntentNotFound     ErrorCode = "INTENT_NOT_FOUND"
	ErrCodeLoanNotFound       ErrorCode = "LOAN_NOT_FOUND"
	ErrCodeIllegalTransition  ErrorCode = "ILLEGAL_TRANSITION"
	ErrCodeReceiptConflict    ErrorCode = "RECEIPT_CONFLICT"
	ErrCodeDuplicateCallback  ErrorCode = "DUPLICATE_CALLBACK"
	ErrCodeRetriesExhausted   ErrorCode = "RETRIES_EXHAUSTED"
	ErrCodeNotRetryable       ErrorCode = "NOT_RETRYABLE"
	ErrCodeNotReversible      ErrorCode = "NOT_REVERSIBLE"
	ErrCodeReversalFailed     ErrorCode = "REVERSAL_FAILED"
	ErrCodeGatewayRejected    ErrorCode = "GATEWAY_REJECTED"
	ErrCodeGatewayUnreachable ErrorCode = "GATEWAY_UNREACHABLE"
	ErrCodeUnknownOutcome     ErrorCode = "UNKNOWN_OUTCOME"
	ErrCodeInvalidAPIKey      ErrorCode = "INVALID_API_KEY"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// IsRetryable reports whether the caller may safely try again or wait for
// reconciliation, as opposed to a definitive rejection.
func (e *AppError) IsRetryable() bool {
	return e.Type == ErrorTypeRetryable
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// NewRetryableError wraps a transport-level failure: the outcome at the
// gateway is unknown, reconciliation will settle it.
func NewRetryableError(message string, code ErrorCode, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeRetryable,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

// NewTerminalError wraps a definitive gateway rejection.
func NewTerminalError(message string, code ErrorCode, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeTerminal,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
		Cause:      cause,
	}
}

// NewIntegrityError marks a logic or data-integrity defect. Handlers map it
// to 500 and it is logged loudly, never coerced into a business outcome.
func NewIntegrityError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

var (
	ErrIntentNotFound   = NewNotFoundError("payment intent not found", ErrCodeIntentNotFound)
	ErrRetriesExhausted = NewConflictError("maximum payment attempts reached", ErrCodeRetriesExhausted)
	ErrNotRetryable     = NewConflictError("intent is not in a retryable state", ErrCodeNotRetryable)
	ErrNotReversible    = NewConflictError("only completed intents can be reversed", ErrCodeNotReversible)
	ErrInvalidAPIKey    = NewUnauthorizedError("invalid API key", ErrCodeInvalidAPIKey)
)

func IsAppError(err error) (*AppError, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
