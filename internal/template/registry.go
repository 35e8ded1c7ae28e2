package template

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/wardflow/model"
)

// snapshot is an immutable view of every published template.
type snapshot struct {
	templates map[string]model.WorkflowTemplate
	families  map[string][]string // template IDs ordered by ascending version
	checksum  string
}

// Registry is a read-optimized, thread-safe store of published templates.
// Reads go through an atomically swapped snapshot; publishing and retiring
// serialize on a mutex and install a new snapshot.
type Registry struct {
	mu        sync.Mutex
	snap      atomic.Pointer[snapshot]
	validator *Validator
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source used for PublishedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithValidator sets the validator used at publish time.
func WithValidator(v *Validator) Option {
	return func(r *Registry) { r.validator = v }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.validator == nil {
		r.validator = NewValidator(nil)
	}
	r.snap.Store(buildSnapshot(map[string]model.WorkflowTemplate{}))
	return r
}

// Load validates a batch of templates as a whole and publishes all of them,
// or none if any is invalid.
func (r *Registry) Load(tpls []model.WorkflowTemplate) error {
	if verrs := r.validator.ValidateAll(tpls); len(verrs) > 0 {
		return model.NewInvalidTemplateError(FieldErrors(verrs))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := make(map[string]model.WorkflowTemplate, len(cur.templates)+len(tpls))
	for id, t := range cur.templates {
		next[id] = t
	}
	now := r.now()
	for _, tpl := range tpls {
		if _, exists := next[tpl.ID]; exists {
			return model.NewConflictError(fmt.Sprintf("template %q is already published", tpl.ID))
		}
		next[tpl.ID] = stamp(tpl, now)
	}
	r.snap.Store(buildSnapshot(next))
	return nil
}

// Publish validates and adds one template. Published templates are never
// edited; a new version must use a new ID.
func (r *Registry) Publish(tpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	if verrs := r.validator.Validate(tpl); len(verrs) > 0 {
		return model.WorkflowTemplate{}, model.NewInvalidTemplateError(FieldErrors(verrs))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.templates[tpl.ID]; exists {
		return model.WorkflowTemplate{}, model.NewConflictError(fmt.Sprintf("template %q is already published", tpl.ID))
	}
	for _, id := range cur.families[familyOf(tpl)] {
		if cur.templates[id].Version == tpl.Version {
			return model.WorkflowTemplate{}, model.NewConflictError(
				fmt.Sprintf("family %q already has version %d (%s)", familyOf(tpl), tpl.Version, id),
			)
		}
	}

	next := make(map[string]model.WorkflowTemplate, len(cur.templates)+1)
	for id, t := range cur.templates {
		next[id] = t
	}
	published := stamp(tpl, r.now())
	next[tpl.ID] = published
	r.snap.Store(buildSnapshot(next))
	return clone(published), nil
}

// Retire stops new instances from being created from a template. In-flight
// instances keep resolving it. Retiring twice is a no-op.
func (r *Registry) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	tpl, ok := cur.templates[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	if tpl.Status == model.TemplateStatusRetired {
		return nil
	}

	next := make(map[string]model.WorkflowTemplate, len(cur.templates))
	for k, t := range cur.templates {
		next[k] = t
	}
	tpl.Status = model.TemplateStatusRetired
	next[id] = tpl
	r.snap.Store(buildSnapshot(next))
	return nil
}

// Get returns a template by ID, including retired ones.
func (r *Registry) Get(id string) (model.WorkflowTemplate, bool) {
	t, ok := r.snap.Load().templates[id]
	if !ok {
		return model.WorkflowTemplate{}, false
	}
	return clone(t), true
}

// Latest returns the highest active version of a family.
func (r *Registry) Latest(family string) (model.WorkflowTemplate, bool) {
	s := r.snap.Load()
	ids := s.families[family]
	for i := len(ids) - 1; i >= 0; i-- {
		if t := s.templates[ids[i]]; t.Active() {
			return clone(t), true
		}
	}
	return model.WorkflowTemplate{}, false
}

// List returns every template ordered by family then version.
func (r *Registry) List() []model.WorkflowTemplate {
	s := r.snap.Load()
	families := make([]string, 0, len(s.families))
	for f := range s.families {
		families = append(families, f)
	}
	sort.Strings(families)

	out := make([]model.WorkflowTemplate, 0, len(s.templates))
	for _, f := range families {
		for _, id := range s.families[f] {
			out = append(out, clone(s.templates[id]))
		}
	}
	return out
}

// LegalTransitions returns the outgoing edges of a stage.
func (r *Registry) LegalTransitions(templateID, fromStage string) ([]model.Transition, error) {
	t, ok := r.snap.Load().templates[templateID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
	}
	if t.Stage(fromStage) == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("stage %q not found in template %q", fromStage, templateID))
	}
	return t.TransitionsFrom(fromStage), nil
}

// ApprovalPolicy returns the approval policy of a stage, if it has one.
func (r *Registry) ApprovalPolicy(templateID, stageID string) (*model.ApprovalPolicy, bool) {
	t, ok := r.snap.Load().templates[templateID]
	if !ok {
		return nil, false
	}
	s := t.Stage(stageID)
	if s == nil || s.Approval == nil {
		return nil, false
	}
	p := *s.Approval
	return &p, true
}

// SLAOffset returns the deadline offset of a stage, if it has one.
func (r *Registry) SLAOffset(templateID, stageID string) (time.Duration, bool) {
	t, ok := r.snap.Load().templates[templateID]
	if !ok {
		return 0, false
	}
	s := t.Stage(stageID)
	if s == nil || s.SLA == nil {
		return 0, false
	}
	d, err := s.SLA.Offset()
	if err != nil {
		return 0, false
	}
	return d, true
}

// Checksum returns a combined checksum over all published templates.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}

// Len returns the number of published templates.
func (r *Registry) Len() int {
	return len(r.snap.Load().templates)
}

func buildSnapshot(templates map[string]model.WorkflowTemplate) *snapshot {
	s := &snapshot{
		templates: templates,
		families:  make(map[string][]string),
	}

	parts := make([]string, 0, len(templates))
	for id, t := range templates {
		f := familyOf(t)
		s.families[f] = append(s.families[f], id)
		parts = append(parts, id+"="+t.Checksum)
	}
	for f, ids := range s.families {
		sort.Slice(ids, func(i, j int) bool {
			return templates[ids[i]].Version < templates[ids[j]].Version
		})
		s.families[f] = ids
	}

	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
	return s
}

func familyOf(t model.WorkflowTemplate) string {
	if t.Family != "" {
		return t.Family
	}
	return t.ID
}

func stamp(tpl model.WorkflowTemplate, now time.Time) model.WorkflowTemplate {
	t := clone(tpl)
	t.Status = model.TemplateStatusActive
	t.PublishedAt = now
	return t
}

// clone deep-copies the slices and policies of a template so callers cannot
// mutate registry state.
func clone(t model.WorkflowTemplate) model.WorkflowTemplate {
	out := t
	out.Stages = make([]model.Stage, len(t.Stages))
	for i, s := range t.Stages {
		s.RequiredFields = slices.Clone(s.RequiredFields)
		if s.Approval != nil {
			p := *s.Approval
			p.Approvers = slices.Clone(p.Approvers)
			p.Roles = slices.Clone(p.Roles)
			s.Approval = &p
		}
		if s.SLA != nil {
			sla := *s.SLA
			s.SLA = &sla
		}
		out.Stages[i] = s
	}
	out.Transitions = slices.Clone(t.Transitions)
	return out
}
