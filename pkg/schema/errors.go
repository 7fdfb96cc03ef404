package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodePlanInvalid        = "PLAN_INVALID"
	ErrCodeCapabilityNotFound = "CAPABILITY_NOT_FOUND"
	ErrCodeCapability         = "CAPABILITY_ERROR"
	ErrCodeUserTaskRejected   = "USER_TASK_REJECTED"
	ErrCodeUserTaskTimeout    = "USER_TASK_TIMEOUT"
	ErrCodeScript             = "SCRIPT_ERROR"
	ErrCodeScriptTimeout      = "SCRIPT_TIMEOUT"
	ErrCodeCondition          = "CONDITION_ERROR"
	ErrCodeStore              = "STORE_UNAVAILABLE"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// CodeOf returns the engine error code carried by err, or "" if err is not an
// EngineError.
func CodeOf(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// AsEngineError converts err to an *EngineError, wrapping plain errors under
// the given fallback code.
func AsEngineError(err error, fallbackCode string) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return &EngineError{Code: fallbackCode, Message: err.Error(), Cause: err}
}
