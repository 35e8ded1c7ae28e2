package template

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionInput is the data a transition condition can see.
type ConditionInput struct {
	Data     map[string]any
	Priority string
	Subject  string
	Stage    string
}

func (in ConditionInput) env() map[string]any {
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"data":     data,
		"priority": in.Priority,
		"subject":  in.Subject,
		"stage":    in.Stage,
	}
}

// Conditions compiles and caches transition condition programs.
type Conditions struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewConditions creates an empty condition cache.
func NewConditions() *Conditions {
	return &Conditions{programs: make(map[string]*vm.Program)}
}

// Compile checks that source is a valid boolean condition and caches it.
func (c *Conditions) Compile(source string) error {
	_, err := c.program(source)
	return err
}

// Eval runs the condition against in. An empty condition is always true.
func (c *Conditions) Eval(source string, in ConditionInput) (bool, error) {
	if source == "" {
		return true, nil
	}
	prog, err := c.program(source)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, in.env())
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", source, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition %q: result is %T, want bool", source, out)
	}
	return ok, nil
}

func (c *Conditions) program(source string) (*vm.Program, error) {
	c.mu.RLock()
	if p, ok := c.programs[source]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[source]; ok {
		return p, nil
	}

	p, err := expr.Compile(source, expr.Env(ConditionInput{}.env()), expr.AsBool())
	if err != nil {
		return nil, err
	}
	c.programs[source] = p
	return p, nil
}
