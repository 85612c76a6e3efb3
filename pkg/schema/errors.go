package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeLimitExceeded = "LIMIT_EXCEEDED"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeParse         = "PARSE_ERROR"
	ErrCodeExpression    = "EXPRESSION_ERROR"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeStore         = "STORE_ERROR"
	ErrCodeCycleDetected = "CYCLE_DETECTED"
	ErrCodeBoundary      = "BOUNDARY_VIOLATION"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// FlowError is the structured error type for all engine operations.
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

// WithNode attaches a node ID to the error. An ID already set is kept.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	if e.NodeID == "" {
		e.NodeID = nodeID
	}
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

// CodeOf returns the code of the outermost FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsBranchAbort reports whether err only aborts the current traversal branch.
// Every other error fails the whole run.
func IsBranchAbort(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeValidation
}

// Upstream wraps a capability failure (LLM, tool, knowledge, transport).
// Errors that already carry a FlowError code are returned unchanged.
func Upstream(capability string, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return NewErrorf(ErrCodeUpstream, "%s call failed: %s", capability, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"capability": capability})
}

// AsFlowError returns err as a *FlowError, wrapping foreign errors as
// INTERNAL_ERROR. It returns nil for a nil error.
func AsFlowError(err error) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(ErrCodeInternal, err.Error()).WithCause(err)
}
