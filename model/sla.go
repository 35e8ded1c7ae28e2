package model

import "time"

// Escalation event kinds.
const (
	EscalationViolation = "violation"
	EscalationReminder  = "reminder"
)

// Deadline is a registered SLA watch for an open stage instance.
type Deadline struct {
	StageInstanceID string    `json:"stage_instance_id"`
	InstanceID      string    `json:"instance_id"`
	StageID         string    `json:"stage_id"`
	DueAt           time.Time `json:"due_at"`
	RegisteredAt    time.Time `json:"registered_at"`
	Approvers       []string  `json:"approvers,omitempty"`
}

// SLAViolation records that a stage instance overran its deadline. At most
// one exists per stage instance; only Resolved and ResolvedAt ever change.
type SLAViolation struct {
	ID              string     `json:"id"`
	StageInstanceID string     `json:"stage_instance_id"`
	InstanceID      string     `json:"instance_id"`
	StageID         string     `json:"stage_id"`
	DueAt           time.Time  `json:"due_at"`
	DetectedAt      time.Time  `json:"detected_at"`
	MinutesExceeded int        `json:"minutes_exceeded"`
	Approvers       []string   `json:"approvers,omitempty"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// EscalationEvent is handed to the escalation sink. Delivery is external.
type EscalationEvent struct {
	StageInstanceID   string    `json:"stage_instance_id"`
	InstanceID        string    `json:"instance_id"`
	StageID           string    `json:"stage_id"`
	MinutesExceeded   int       `json:"minutes_exceeded"`
	AssignedApprovers []string  `json:"assigned_approvers"`
	Level             int       `json:"level"`
	NotifyRoles       []string  `json:"notify_roles,omitempty"`
	Kind              string    `json:"kind"`
	RaisedAt          time.Time `json:"raised_at"`
}

// MinutesBetween returns whole minutes from due to now, never negative.
func MinutesBetween(due, now time.Time) int {
	if !now.After(due) {
		return 0
	}
	return int(now.Sub(due) / time.Minute)
}
