package model

import "time"

// History event types.
const (
	EventCreated           = "created"
	EventStarted           = "started"
	EventStageEntered      = "stage_entered"
	EventStageCompleted    = "stage_completed"
	EventStageSkipped      = "stage_skipped"
	EventGateOpened        = "gate_opened"
	EventApprovalDecided   = "approval_decided"
	EventApprovalDelegated = "approval_delegated"
	EventDataSubmitted     = "data_submitted"
	EventSLAViolated       = "sla_violated"
	EventSLAEscalated      = "sla_escalated"
	EventHeld              = "held"
	EventResumed           = "resumed"
	EventCancelled         = "cancelled"
	EventCompleted         = "completed"
	EventFailed            = "failed"
)

// HistoryEvent is an append-only audit record. Seq is assigned by the store
// and orders events within the log.
type HistoryEvent struct {
	ID              string         `json:"id"`
	Seq             int64          `json:"seq"`
	InstanceID      string         `json:"instance_id"`
	StageInstanceID string         `json:"stage_instance_id,omitempty"`
	Type            string         `json:"type"`
	Actor           string         `json:"actor"`
	Timestamp       time.Time      `json:"timestamp"`
	Payload         map[string]any `json:"payload,omitempty"`
}
