package engine

import (
	"errors"
	"fmt"
)

// Code classifies engine errors.
type Code string

const (
	// CodeValidation marks a malformed definition rejected before any run
	// was created.
	CodeValidation Code = "VALIDATION"
	// CodeNodeExecution marks a delegated call that failed after its
	// configured retries.
	CodeNodeExecution Code = "NODE_EXECUTION"
	// CodeTimeout marks a delegated call that exceeded its maximum duration.
	CodeTimeout Code = "TIMEOUT"
	// CodeLoopLimit marks a loop whose exit condition was never satisfied
	// within the iteration ceiling.
	CodeLoopLimit Code = "LOOP_LIMIT_EXCEEDED"
	// CodeApprovalRejected marks a run terminated by a human rejecting an
	// approval node.
	CodeApprovalRejected Code = "APPROVAL_REJECTED"
	// CodeCancelled marks a run cancelled mid-flight.
	CodeCancelled Code = "CANCELLED"
	// CodeInvalidSignal marks a resume signal that does not match a
	// pending suspension (duplicate approvals, unknown nodes).
	CodeInvalidSignal Code = "INVALID_SIGNAL"
)

// Error is the structured error surfaced by the engine.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	NodeID    string `json:"node_id,omitempty"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

func (e *Error) Error() string {
	var msg string
	if e.NodeID != "" {
		msg = fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	} else {
		msg = fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithNode attaches the failing node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks whether the failure may be retried.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CodeOf extracts the engine code from err or anything it wraps, or ""
// for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is marked retryable. Foreign errors are
// treated as retryable so plain delegate errors go through the configured
// retry budget.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return err != nil
}
