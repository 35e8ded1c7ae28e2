package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"envelope", NewNotFoundError("x"), ErrNotFound},
		{"wrapped envelope", fmt.Errorf("load: %w", NewConflictError("x")), ErrConflict},
		{"plain error", fmt.Errorf("boom"), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("commit: %w", NewInstanceTerminalError("inst-1", "cancelled"))
	if !IsCode(err, ErrInstanceTerminal) {
		t.Error("IsCode(INSTANCE_TERMINAL) = false, want true")
	}
	if IsCode(err, ErrConflict) {
		t.Error("IsCode(CONFLICT) = true, want false")
	}
	if IsCode(nil, ErrConflict) {
		t.Error("IsCode(nil) = true, want false")
	}
}

func TestCategory(t *testing.T) {
	tests := map[string]string{
		ErrIllegalTransition:  CategoryValidation,
		ErrIncompleteStage:    CategoryValidation,
		ErrInvalidTemplate:    CategoryValidation,
		ErrApprovalPending:    CategoryWait,
		ErrGateRejected:       CategoryWait,
		ErrAlreadyDecided:     CategoryConflict,
		ErrInstanceTerminal:   CategoryConflict,
		ErrStorageUnavailable: CategoryFatal,
		"SOMETHING_NEW":       CategoryFatal,
	}
	for code, want := range tests {
		if got := Category(code); got != want {
			t.Errorf("Category(%s) = %q, want %q", code, got, want)
		}
	}
}

func TestNewIncompleteStageError(t *testing.T) {
	e := NewIncompleteStageError("requested", []string{"asset_tag", "fault_description"})
	if e.Code != ErrIncompleteStage {
		t.Errorf("Code = %q, want %q", e.Code, ErrIncompleteStage)
	}
	if len(e.Details) != 2 {
		t.Fatalf("Details length = %d, want 2", len(e.Details))
	}
	if e.Details[1].Field != "fault_description" {
		t.Errorf("Details[1].Field = %q, want %q", e.Details[1].Field, "fault_description")
	}
}

func TestNewApprovalPendingError(t *testing.T) {
	e := NewApprovalPendingError(GateState{State: GatePending, Approved: 1, Required: 3})
	want := "APPROVAL_PENDING: approval gate pending (1 of 3 approvals)"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewInvalidTemplateError(t *testing.T) {
	details := []FieldError{
		{Field: "stages[1].id", Code: "REQUIRED", Message: "id is required"},
	}
	e := NewInvalidTemplateError(details)
	if e.Code != ErrInvalidTemplate {
		t.Errorf("Code = %q, want %q", e.Code, ErrInvalidTemplate)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "stages[1].id" {
		t.Errorf("Details = %+v", e.Details)
	}
}
