// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// The pipeline distinguishes fatal errors (surfaced immediately, no tool
// execution) from degradable ones (the synthesizer proceeds with remaining
// evidence and a warning). Classification lives here so the executor's retry
// policy and the HTTP layer's status mapping agree on one taxonomy.

// ErrorCode identifies the class of a pipeline error.
type ErrorCode string

const (
	// ErrCodeValidation marks a malformed query. Fatal, never retried.
	ErrCodeValidation ErrorCode = "validation_error"

	// ErrCodePermissionDenied marks a scope or credential violation.
	// Fatal, never retried.
	ErrCodePermissionDenied ErrorCode = "permission_denied"

	// ErrCodeToolTimeout marks an invocation that breached its per-tool
	// timeout. Degradable unless the tool was required.
	ErrCodeToolTimeout ErrorCode = "tool_timeout"

	// ErrCodeToolFailure marks an unrecoverable tool error. Aborts the
	// query when the tool was required.
	ErrCodeToolFailure ErrorCode = "tool_failure"

	// ErrCodeTransient marks a network/service hiccup eligible for retry.
	ErrCodeTransient ErrorCode = "transient"
)

// PipelineError is a classified error flowing through the orchestrator.
//
// # Thread Safety
//
// Immutable after creation; safe for concurrent use.
type PipelineError struct {
	Code      ErrorCode
	Message   string
	Tool      string
	Retryable bool
	cause     error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *PipelineError) Unwrap() error { return e.cause }

// NewValidationError creates a fatal malformed-query error.
func NewValidationError(msg string) *PipelineError {
	return &PipelineError{Code: ErrCodeValidation, Message: msg}
}

// NewPermissionDenied creates a fatal scope/credential violation error.
func NewPermissionDenied(msg string) *PipelineError {
	return &PipelineError{Code: ErrCodePermissionDenied, Message: msg}
}

// NewToolTimeout creates a per-tool timeout error for the named tool.
func NewToolTimeout(tool string, cause error) *PipelineError {
	return &PipelineError{Code: ErrCodeToolTimeout, Message: "deadline exceeded", Tool: tool, cause: cause}
}

// NewToolFailure creates an unrecoverable tool error.
func NewToolFailure(tool, msg string, cause error) *PipelineError {
	return &PipelineError{Code: ErrCodeToolFailure, Message: msg, Tool: tool, cause: cause}
}

// NewTransientError creates a retryable tool error (network/service hiccup).
func NewTransientError(tool, msg string, cause error) *PipelineError {
	return &PipelineError{Code: ErrCodeTransient, Message: msg, Tool: tool, Retryable: true, cause: cause}
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed. Errors that
// are not PipelineErrors classify as tool failures: unknown errors must
// never be retried as if they were transient.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeToolFailure
}

// IsRetryable reports whether err may be retried. Only errors explicitly
// classified transient qualify; validation and permission failures never do.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
