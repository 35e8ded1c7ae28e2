package model

import "time"

// Approval decision constants.
const (
	DecisionPending   = "pending"
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionDelegated = "delegated"
)

// Gate states derived from the approval rows of a stage instance.
const (
	GatePending   = "pending"
	GateSatisfied = "satisfied"
	GateRejected  = "rejected"
)

// Approval is a decision slot for one approver on one stage instance.
type Approval struct {
	ID              string     `json:"id"`
	StageInstanceID string     `json:"stage_instance_id"`
	InstanceID      string     `json:"instance_id"`
	ApproverID      string     `json:"approver_id"`
	ViaRole         string     `json:"via_role,omitempty"`
	Decision        string     `json:"decision"`
	Comment         string     `json:"comment,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	DelegateTo      string     `json:"delegate_to,omitempty"`
	DelegatedFrom   string     `json:"delegated_from,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// IsDelegate reports whether the row was created by a delegation. Delegate
// rows may approve or reject but never delegate again.
func (a *Approval) IsDelegate() bool {
	return a.DelegatedFrom != ""
}

// GateState is the computed status of an approval gate. It is never stored.
type GateState struct {
	State    string `json:"state"`
	Approved int    `json:"approved"`
	Rejected int    `json:"rejected"`
	Pending  int    `json:"pending"`
	Required int    `json:"required"`
}

// Satisfied reports whether the gate allows the stage to be left.
func (g GateState) Satisfied() bool { return g.State == GateSatisfied }

// Resolved reports whether the gate can no longer change.
func (g GateState) Resolved() bool { return g.State != GatePending }

// ApprovalGate is the policy snapshot taken when a stage instance opens its
// gate. Rows are evaluated against it, never against the live template.
type ApprovalGate struct {
	StageInstanceID string     `json:"stage_instance_id"`
	InstanceID      string     `json:"instance_id"`
	StageID         string     `json:"stage_id"`
	Quorum          string     `json:"quorum"`
	Required        int        `json:"required,omitempty"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}
