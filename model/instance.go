package model

import "time"

// Workflow instance status constants.
const (
	InstanceStatusDraft      = "draft"
	InstanceStatusInProgress = "in_progress"
	InstanceStatusOnHold     = "on_hold"
	InstanceStatusCompleted  = "completed"
	InstanceStatusCancelled  = "cancelled"
	InstanceStatusFailed     = "failed"
)

// Stage instance status constants.
const (
	StageStatusPending         = "pending"
	StageStatusInProgress      = "in_progress"
	StageStatusWaitingApproval = "waiting_approval"
	StageStatusApproved        = "approved"
	StageStatusRejected        = "rejected"
	StageStatusSkipped         = "skipped"
	StageStatusCompleted       = "completed"
	StageStatusFailed          = "failed"
)

// Instance priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Transition outcomes reported by the engine.
const (
	OutcomeTransitioned   = "transitioned"
	OutcomeAlreadyApplied = "already_applied"
	OutcomeRecorded       = "recorded"
)

// WorkflowInstance is one run of a template for one business object, such as
// a single infusion pump going through maintenance.
type WorkflowInstance struct {
	ID                     string         `json:"id"`
	TemplateID             string         `json:"template_id"`
	SubjectRef             string         `json:"subject_ref"`
	Status                 string         `json:"status"`
	CurrentStage           string         `json:"current_stage,omitempty"`
	CurrentStageInstanceID string         `json:"current_stage_instance_id,omitempty"`
	Priority               string         `json:"priority"`
	Initiator              string         `json:"initiator"`
	Data                   map[string]any `json:"data,omitempty"`
	IdempotencyKey         string         `json:"idempotency_key,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty"`
	HeldAt                 *time.Time     `json:"held_at,omitempty"`
	Version                int            `json:"version"`
}

// Terminal reports whether the instance reached an absorbing status.
func (w *WorkflowInstance) Terminal() bool {
	return IsTerminalStatus(w.Status)
}

// IsTerminalStatus reports whether status is completed, cancelled or failed.
func IsTerminalStatus(status string) bool {
	switch status {
	case InstanceStatusCompleted, InstanceStatusCancelled, InstanceStatusFailed:
		return true
	}
	return false
}

// StageInstance is one visit of an instance to a stage.
type StageInstance struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instance_id"`
	StageID      string         `json:"stage_id"`
	Visit        int            `json:"visit"`
	Status       string         `json:"status"`
	EnteredAt    time.Time      `json:"entered_at"`
	DueAt        *time.Time     `json:"due_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	SLARemaining *time.Duration `json:"sla_remaining,omitempty"`
	ClosedBy     string         `json:"closed_by,omitempty"`
}

// Open reports whether the stage instance has not been closed yet.
func (s *StageInstance) Open() bool {
	return s.CompletedAt == nil
}

// WorkflowFilters narrows an instance listing.
type WorkflowFilters struct {
	Status     string
	TemplateID string
	SubjectRef string
	Page       int
	PageSize   int
}

// InstanceView is an instance together with its open stage and gate.
type InstanceView struct {
	Instance  WorkflowInstance `json:"instance"`
	OpenStage *StageInstance   `json:"open_stage,omitempty"`
	Gate      *GateState       `json:"gate,omitempty"`
	Legal     []Transition     `json:"legal_transitions,omitempty"`
}

// TransitionResult reports what RequestTransition did.
type TransitionResult struct {
	Outcome  string           `json:"outcome"`
	Instance WorkflowInstance `json:"instance"`
	Closed   *StageInstance   `json:"closed,omitempty"`
	Opened   *StageInstance   `json:"opened,omitempty"`
}
