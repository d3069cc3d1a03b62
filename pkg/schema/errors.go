package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeNodeConfig            = "NODE_CONFIG_ERROR"
	ErrCodeNoMatchingBranch      = "NO_MATCHING_BRANCH"
	ErrCodeIntegrationTimeout    = "INTEGRATION_TIMEOUT"
	ErrCodeIntegrationCall       = "INTEGRATION_CALL_ERROR"
	ErrCodeLoopGuardExceeded     = "LOOP_GUARD_EXCEEDED"
	ErrCodeUnknownNodeType       = "UNKNOWN_NODE_TYPE"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeDelivery              = "DELIVERY_ERROR"
	ErrCodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	ErrCodeCircuitOpen           = "CIRCUIT_OPEN"
	ErrCodeLock                  = "LOCK_ERROR"
	ErrCodeAborted               = "ABORTED"
	ErrCodeEndedFailed           = "ENDED_FAILED"
)

// FlowError is the structured error type used across chatflow.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// AsFlowError returns err as a FlowError. Foreign errors are wrapped with the
// fallback code so callers always get a code to record.
func AsFlowError(err error, fallback string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallback, err.Error()).WithCause(err)
}

// IsInfrastructure reports whether the code describes a store, lock or
// delivery failure rather than a workflow-logic failure.
func IsInfrastructure(code string) bool {
	switch code {
	case ErrCodeStore, ErrCodeLock, ErrCodeDelivery, ErrCodeNotFound:
		return true
	}
	return false
}
