package models

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable classification of engine failures. Callers branch on
// kinds, not on error types or messages.
type ErrorKind string

const (
	KindValidation              ErrorKind = "Validation"
	KindInvalidTransition       ErrorKind = "InvalidTransition"
	KindNotFound                ErrorKind = "NotFound"
	KindTenantAccessDenied      ErrorKind = "TenantAccessDenied"
	KindPermissionDenied        ErrorKind = "PermissionDenied"
	KindStaleWrite              ErrorKind = "StaleWrite"
	KindConflictingWrite        ErrorKind = "ConflictingWrite"
	KindConflict                ErrorKind = "Conflict"
	KindBookmarkAlreadyConsumed ErrorKind = "BookmarkAlreadyConsumed"
	KindBookmarkExpired         ErrorKind = "BookmarkExpired"
	KindExternalTransient       ErrorKind = "ExternalTransient"
	KindExternalPermanent       ErrorKind = "ExternalPermanent"
	KindTimeout                 ErrorKind = "Timeout"
	KindIntegrity               ErrorKind = "IntegrityError"
)

// FieldError is a per-field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the structured error surfaced by the engine and stores. Every
// surfaced error carries the workflow id, current step id (when known), a
// stable kind, and a human-readable message.
type Error struct {
	Kind        ErrorKind    `json:"kind"`
	WorkflowID  string       `json:"workflow_id,omitempty"`
	StepID      string       `json:"step_id,omitempty"`
	Message     string       `json:"message"`
	FieldErrors []FieldError `json:"field_errors,omitempty"`
	cause       error
}

func (e *Error) Error() string {
	if e.WorkflowID != "" {
		return fmt.Sprintf("%s: %s (workflow %s)", e.Kind, e.Message, e.WorkflowID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithWorkflow returns a copy annotated with workflow and step ids.
func (e *Error) WithWorkflow(workflowID, stepID string) *Error {
	cp := *e
	if cp.WorkflowID == "" {
		cp.WorkflowID = workflowID
	}
	if cp.StepID == "" {
		cp.StepID = stepID
	}
	return &cp
}

// NewError creates a structured error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind and message.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// ValidationError creates a Validation error with per-field details.
func ValidationError(message string, fields []FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, FieldErrors: fields}
}

// KindOf extracts the kind from an error chain, or "" if it carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryableKind reports whether the kind is safe to retry internally.
func IsRetryableKind(kind ErrorKind) bool {
	return kind == KindStaleWrite || kind == KindConflictingWrite || kind == KindExternalTransient
}
