package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// Workflow-specific error codes.
const (
	ErrInvalidTemplate   = "INVALID_TEMPLATE"
	ErrTemplateNotActive = "TEMPLATE_NOT_ACTIVE"
	ErrIllegalTransition = "ILLEGAL_TRANSITION"
	ErrIncompleteStage   = "INCOMPLETE_STAGE"
	ErrApprovalPending   = "APPROVAL_PENDING"
	ErrGateRejected      = "GATE_REJECTED"
	ErrNotAnApprover     = "NOT_AN_APPROVER"
	ErrAlreadyDecided    = "ALREADY_DECIDED"
	ErrInstanceTerminal  = "INSTANCE_TERMINAL"
	ErrInvalidState      = "INVALID_STATE"
)

// Error categories. Callers use them to decide whether to surface, poll or
// retry.
const (
	CategoryValidation = "validation"
	CategoryWait       = "wait"
	CategoryConflict   = "conflict"
	CategoryLookup     = "lookup"
	CategoryFatal      = "fatal"
)

var categoryForCode = map[string]string{
	ErrBadRequest:         CategoryValidation,
	ErrInvalidTemplate:    CategoryValidation,
	ErrIllegalTransition:  CategoryValidation,
	ErrIncompleteStage:    CategoryValidation,
	ErrApprovalPending:    CategoryWait,
	ErrGateRejected:       CategoryWait,
	ErrAlreadyDecided:     CategoryConflict,
	ErrInstanceTerminal:   CategoryConflict,
	ErrConflict:           CategoryConflict,
	ErrInvalidState:       CategoryConflict,
	ErrNotFound:           CategoryLookup,
	ErrTemplateNotActive:  CategoryLookup,
	ErrNotAnApprover:      CategoryLookup,
	ErrForbidden:          CategoryLookup,
	ErrUnauthorized:       CategoryLookup,
	ErrInternalError:      CategoryFatal,
	ErrStorageUnavailable: CategoryFatal,
}

// ErrorEnvelope is the standard error value returned by every component and
// rendered by the HTTP transport. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, unwrapping as needed.
// Errors that are not envelopes report INTERNAL_ERROR.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Category classifies an error code. Unknown codes are fatal.
func Category(code string) string {
	if c, ok := categoryForCode[code]; ok {
		return c
	}
	return CategoryFatal
}

// Retryable reports whether err is an infrastructure failure worth retrying.
// Validation, wait, conflict and lookup errors are final.
func Retryable(err error) bool {
	return err != nil && Category(CodeOf(err)) == CategoryFatal
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidTemplateError returns an INVALID_TEMPLATE error with field-level
// details.
func NewInvalidTemplateError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTemplate,
		Message: "Template failed validation",
		Details: details,
	}
}

// NewTemplateNotActiveError returns a TEMPLATE_NOT_ACTIVE error.
func NewTemplateNotActiveError(templateID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateNotActive,
		Message: fmt.Sprintf("template %q is retired", templateID),
	}
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalTransition, Message: msg}
}

// NewIncompleteStageError returns an INCOMPLETE_STAGE error listing the
// missing fields.
func NewIncompleteStageError(stageID string, missing []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(missing))
	for _, f := range missing {
		details = append(details, FieldError{Field: f, Code: "REQUIRED", Message: f + " is required"})
	}
	return &ErrorEnvelope{
		Code:    ErrIncompleteStage,
		Message: fmt.Sprintf("stage %q is missing required data", stageID),
		Details: details,
	}
}

// NewApprovalPendingError returns an APPROVAL_PENDING error.
func NewApprovalPendingError(gate GateState) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrApprovalPending,
		Message: fmt.Sprintf("approval gate pending (%d of %d approvals)", gate.Approved, gate.Required),
	}
}

// NewGateRejectedError returns a GATE_REJECTED error.
func NewGateRejectedError(stageID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrGateRejected,
		Message: fmt.Sprintf("approval gate for stage %q was rejected", stageID),
	}
}

// NewNotAnApproverError returns a NOT_AN_APPROVER error.
func NewNotAnApproverError(approverID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotAnApprover,
		Message: fmt.Sprintf("%q is not an approver for this stage", approverID),
	}
}

// NewAlreadyDecidedError returns an ALREADY_DECIDED error.
func NewAlreadyDecidedError(approverID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyDecided,
		Message: fmt.Sprintf("%q has already decided", approverID),
	}
}

// NewInstanceTerminalError returns an INSTANCE_TERMINAL error.
func NewInstanceTerminalError(instanceID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceTerminal,
		Message: fmt.Sprintf("instance %q is %s", instanceID, status),
	}
}

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewStorageUnavailableError returns a STORAGE_UNAVAILABLE error.
func NewStorageUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStorageUnavailable,
		Message: "The workflow store is temporarily unavailable",
	}
}
