package template

import (
	"fmt"
	"time"

	"github.com/pitabwire/wardflow/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FieldErrors converts validation errors to envelope details.
func FieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		out = append(out, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return out
}

var validProcesses = map[string]bool{
	model.ProcessAcquisition:     true,
	model.ProcessMaintenance:     true,
	model.ProcessDecommissioning: true,
	model.ProcessTransfer:        true,
	model.ProcessDisposal:        true,
	model.ProcessOther:           true,
}

var validOutcomes = map[string]bool{
	"":                            true,
	model.InstanceStatusCompleted: true,
	model.InstanceStatusCancelled: true,
	model.InstanceStatusFailed:    true,
}

// Validator checks template structure, graph shape and stage policies.
type Validator struct {
	conditions *Conditions
}

// NewValidator creates a Validator that compiles conditions into cache.
func NewValidator(cache *Conditions) *Validator {
	if cache == nil {
		cache = NewConditions()
	}
	return &Validator{conditions: cache}
}

// ValidateAll checks a batch of templates, including ID uniqueness across the
// batch.
func (v *Validator) ValidateAll(tpls []model.WorkflowTemplate) []VError {
	var errs []VError
	seen := make(map[string]int, len(tpls))
	for i, tpl := range tpls {
		prefix := fmt.Sprintf("templates[%d]", i)
		if j, dup := seen[tpl.ID]; dup && tpl.ID != "" {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("template id %q already declared by templates[%d]", tpl.ID, j),
			})
		}
		seen[tpl.ID] = i
		for _, e := range v.Validate(tpl) {
			e.Path = prefix + "." + e.Path
			errs = append(errs, e)
		}
	}
	return errs
}

// Validate checks a single template. Paths are relative to the template.
func (v *Validator) Validate(tpl model.WorkflowTemplate) []VError {
	var errs []VError

	if tpl.ID == "" {
		errs = append(errs, VError{Path: "id", Code: "REQUIRED", Message: "id is required"})
	}
	if tpl.Name == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if tpl.Version < 1 {
		errs = append(errs, VError{Path: "version", Code: "RANGE", Message: "version must be at least 1"})
	}
	if tpl.Process != "" && !validProcesses[tpl.Process] {
		errs = append(errs, VError{Path: "process", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid process %q", tpl.Process)})
	}
	if len(tpl.Stages) == 0 {
		errs = append(errs, VError{Path: "stages", Code: "REQUIRED", Message: "at least one stage is required"})
		return errs
	}

	stages := make(map[string]*model.Stage, len(tpl.Stages))
	for i := range tpl.Stages {
		s := &tpl.Stages[i]
		prefix := fmt.Sprintf("stages[%d]", i)
		if s.ID == "" {
			errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
			continue
		}
		if _, dup := stages[s.ID]; dup {
			errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate stage id %q", s.ID)})
			continue
		}
		stages[s.ID] = s
	}

	switch start, ok := stages[tpl.StartStage]; {
	case tpl.StartStage == "":
		errs = append(errs, VError{Path: "start_stage", Code: "REQUIRED", Message: "start_stage is required"})
	case !ok:
		errs = append(errs, VError{Path: "start_stage", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("start stage %q not found", tpl.StartStage)})
	case start.Terminal:
		errs = append(errs, VError{Path: "start_stage", Code: "INVALID_VALUE", Message: "start stage cannot be terminal"})
	}

	outgoing := make(map[string][]string)
	edges := make(map[[2]string]bool)
	for i, tr := range tpl.Transitions {
		prefix := fmt.Sprintf("transitions[%d]", i)
		from, fromOK := stages[tr.From]
		_, toOK := stages[tr.To]
		if !fromOK {
			errs = append(errs, VError{Path: prefix + ".from", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", tr.From)})
		}
		if !toOK {
			errs = append(errs, VError{Path: prefix + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", tr.To)})
		}
		if !fromOK || !toOK {
			continue
		}
		if from.Terminal {
			errs = append(errs, VError{Path: prefix + ".from", Code: "TERMINAL_OUTGOING", Message: fmt.Sprintf("terminal stage %q cannot have outgoing transitions", tr.From)})
		}
		key := [2]string{tr.From, tr.To}
		if edges[key] {
			errs = append(errs, VError{Path: prefix, Code: "DUPLICATE", Message: fmt.Sprintf("duplicate transition %s -> %s", tr.From, tr.To)})
		}
		edges[key] = true
		outgoing[tr.From] = append(outgoing[tr.From], tr.To)

		if tr.Condition != "" {
			if err := v.conditions.Compile(tr.Condition); err != nil {
				errs = append(errs, VError{Path: prefix + ".condition", Code: "INVALID_EXPRESSION", Message: err.Error()})
			}
		}
	}

	for i := range tpl.Stages {
		s := &tpl.Stages[i]
		if s.ID == "" {
			continue
		}
		prefix := fmt.Sprintf("stages[%d]", i)
		if !s.Terminal && len(outgoing[s.ID]) == 0 {
			errs = append(errs, VError{Path: prefix, Code: "NO_OUTGOING", Message: fmt.Sprintf("non-terminal stage %q has no outgoing transition", s.ID)})
		}
		if !validOutcomes[s.Outcome] {
			errs = append(errs, VError{Path: prefix + ".outcome", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid outcome %q", s.Outcome)})
		}
		if s.Outcome != "" && !s.Terminal {
			errs = append(errs, VError{Path: prefix + ".outcome", Code: "INVALID_VALUE", Message: "outcome is only allowed on terminal stages"})
		}
		if s.Terminal && (s.Approval != nil || s.SLA != nil) {
			errs = append(errs, VError{Path: prefix, Code: "INVALID_VALUE", Message: "terminal stages cannot carry approval or sla policies"})
		}
		for j, f := range s.RequiredFields {
			if f == "" {
				errs = append(errs, VError{Path: fmt.Sprintf("%s.required_fields[%d]", prefix, j), Code: "REQUIRED", Message: "field name is required"})
			}
		}
		if s.Approval != nil {
			errs = append(errs, validateApproval(prefix+".approval", s.ID, s.Approval, edges)...)
		}
		if s.SLA != nil {
			errs = append(errs, validateSLA(prefix+".sla", s.SLA)...)
		}
	}

	if start, ok := stages[tpl.StartStage]; ok {
		reached := reachable(start.ID, outgoing)
		for i := range tpl.Stages {
			id := tpl.Stages[i].ID
			if id != "" && !reached[id] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("stages[%d]", i),
					Code:    "UNREACHABLE",
					Message: fmt.Sprintf("stage %q is not reachable from %q", id, start.ID),
				})
			}
		}
	}

	return errs
}

func validateApproval(prefix, stageID string, p *model.ApprovalPolicy, edges map[[2]string]bool) []VError {
	var errs []VError

	if len(p.Approvers) == 0 && len(p.Roles) == 0 {
		errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "approvers or roles are required"})
	}
	switch p.Quorum {
	case model.QuorumAll, model.QuorumAny:
		if p.Required != 0 {
			errs = append(errs, VError{Path: prefix + ".required", Code: "INVALID_VALUE", Message: "required is only used with n_of_m"})
		}
	case model.QuorumNofM:
		if p.Required < 1 {
			errs = append(errs, VError{Path: prefix + ".required", Code: "RANGE", Message: "required must be at least 1"})
		}
		if len(p.Roles) == 0 && p.Required > len(p.Approvers) {
			errs = append(errs, VError{
				Path:    prefix + ".required",
				Code:    "RANGE",
				Message: fmt.Sprintf("required %d exceeds %d named approvers", p.Required, len(p.Approvers)),
			})
		}
	case "":
		errs = append(errs, VError{Path: prefix + ".quorum", Code: "REQUIRED", Message: "quorum is required"})
	default:
		errs = append(errs, VError{Path: prefix + ".quorum", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid quorum %q", p.Quorum)})
	}

	seen := make(map[string]bool, len(p.Approvers))
	for i, a := range p.Approvers {
		if a == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.approvers[%d]", prefix, i), Code: "REQUIRED", Message: "approver id is required"})
		} else if seen[a] {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.approvers[%d]", prefix, i), Code: "DUPLICATE", Message: fmt.Sprintf("duplicate approver %q", a)})
		}
		seen[a] = true
	}

	if p.OnApproved != "" && !edges[[2]string{stageID, p.OnApproved}] {
		errs = append(errs, VError{Path: prefix + ".on_approved", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("no transition %s -> %s", stageID, p.OnApproved)})
	}
	if p.OnRejected != "" && !edges[[2]string{stageID, p.OnRejected}] {
		errs = append(errs, VError{Path: prefix + ".on_rejected", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("no transition %s -> %s", stageID, p.OnRejected)})
	}
	return errs
}

func validateSLA(prefix string, p *model.SLAPolicy) []VError {
	if p.Deadline == "" {
		return []VError{{Path: prefix + ".deadline", Code: "REQUIRED", Message: "deadline is required"}}
	}
	d, err := time.ParseDuration(p.Deadline)
	if err != nil {
		return []VError{{Path: prefix + ".deadline", Code: "INVALID_VALUE", Message: err.Error()}}
	}
	if d <= 0 {
		return []VError{{Path: prefix + ".deadline", Code: "RANGE", Message: "deadline must be positive"}}
	}
	return nil
}

// reachable returns the set of stages reachable from start.
func reachable(start string, outgoing map[string][]string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range outgoing[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
