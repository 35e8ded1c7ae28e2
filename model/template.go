package model

import "time"

// Template status constants.
const (
	TemplateStatusActive  = "active"
	TemplateStatusRetired = "retired"
)

// Equipment process kinds a template can drive.
const (
	ProcessAcquisition     = "acquisition"
	ProcessMaintenance     = "maintenance"
	ProcessDecommissioning = "decommissioning"
	ProcessTransfer        = "transfer"
	ProcessDisposal        = "disposal"
	ProcessOther           = "other"
)

// Quorum kinds for an approval policy.
const (
	QuorumAll  = "all"
	QuorumAny  = "any"
	QuorumNofM = "n_of_m"
)

// WorkflowTemplate is an immutable workflow graph. New versions are published
// as new templates with a new ID.
type WorkflowTemplate struct {
	ID          string       `yaml:"id"          json:"id"`
	Family      string       `yaml:"family"      json:"family"`
	Version     int          `yaml:"version"     json:"version"`
	Name        string       `yaml:"name"        json:"name"`
	Description string       `yaml:"description" json:"description,omitempty"`
	Process     string       `yaml:"process"     json:"process"`
	StartStage  string       `yaml:"start_stage" json:"start_stage"`
	Stages      []Stage      `yaml:"stages"      json:"stages"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`

	// Registry bookkeeping, not part of the authored document.
	Status      string    `yaml:"-" json:"status"`
	PublishedAt time.Time `yaml:"-" json:"published_at"`
	Checksum    string    `yaml:"-" json:"checksum,omitempty"`
	SourceFile  string    `yaml:"-" json:"-"`
}

// Stage is a node of the template graph.
type Stage struct {
	ID             string          `yaml:"id"              json:"id"`
	Name           string          `yaml:"name"            json:"name"`
	Terminal       bool            `yaml:"terminal"        json:"terminal,omitempty"`
	Outcome        string          `yaml:"outcome"         json:"outcome,omitempty"`
	RequiredFields []string        `yaml:"required_fields" json:"required_fields,omitempty"`
	Approval       *ApprovalPolicy `yaml:"approval"        json:"approval,omitempty"`
	SLA            *SLAPolicy      `yaml:"sla"             json:"sla,omitempty"`
}

// Transition is a directed edge of the template graph.
type Transition struct {
	From       string `yaml:"from"       json:"from"`
	To         string `yaml:"to"         json:"to"`
	Name       string `yaml:"name"       json:"name,omitempty"`
	Condition  string `yaml:"condition"  json:"condition,omitempty"`
	Capability string `yaml:"capability" json:"capability,omitempty"`
}

// ApprovalPolicy describes who must approve a stage before it can be left.
type ApprovalPolicy struct {
	Quorum     string   `yaml:"quorum"      json:"quorum"`
	Required   int      `yaml:"required"    json:"required,omitempty"`
	Approvers  []string `yaml:"approvers"   json:"approvers,omitempty"`
	Roles      []string `yaml:"roles"       json:"roles,omitempty"`
	OnApproved string   `yaml:"on_approved" json:"on_approved,omitempty"`
	OnRejected string   `yaml:"on_rejected" json:"on_rejected,omitempty"`
}

// SLAPolicy is the deadline for a stage, measured from stage entry.
type SLAPolicy struct {
	Deadline string `yaml:"deadline" json:"deadline"`
}

// Offset returns the parsed deadline. Templates are validated at publish so
// the error path only matters for unvalidated documents.
func (p *SLAPolicy) Offset() (time.Duration, error) {
	return time.ParseDuration(p.Deadline)
}

// Stage returns the stage with the given ID, or nil.
func (t *WorkflowTemplate) Stage(id string) *Stage {
	for i := range t.Stages {
		if t.Stages[i].ID == id {
			return &t.Stages[i]
		}
	}
	return nil
}

// TransitionsFrom returns the outgoing edges of a stage in declaration order.
func (t *WorkflowTemplate) TransitionsFrom(stageID string) []Transition {
	var out []Transition
	for _, tr := range t.Transitions {
		if tr.From == stageID {
			out = append(out, tr)
		}
	}
	return out
}

// Edge returns the transition from → to, if one exists.
func (t *WorkflowTemplate) Edge(from, to string) (Transition, bool) {
	for _, tr := range t.Transitions {
		if tr.From == from && tr.To == to {
			return tr, true
		}
	}
	return Transition{}, false
}

// Active reports whether new instances may be created from the template.
func (t *WorkflowTemplate) Active() bool {
	return t.Status == "" || t.Status == TemplateStatusActive
}

// TerminalStatus returns the instance status a terminal stage resolves to.
func (s *Stage) TerminalStatus() string {
	switch s.Outcome {
	case InstanceStatusCancelled, InstanceStatusFailed:
		return s.Outcome
	default:
		return InstanceStatusCompleted
	}
}
