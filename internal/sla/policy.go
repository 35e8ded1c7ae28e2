package sla

import (
	"fmt"
	"slices"
	"time"
)

// LevelPolicy maps how long a violation has been open past its deadline to an
// escalation level. Level 0 means nothing beyond the violation itself.
type LevelPolicy interface {
	Level(exceeded time.Duration) int
	NotifyRoles(level int) []string
}

// Level is one step of a ThresholdPolicy.
type Level struct {
	After       time.Duration `yaml:"after"`
	NotifyRoles []string      `yaml:"notify_roles"`
}

// ThresholdPolicy raises level i+1 once a violation is Levels[i].After past due.
type ThresholdPolicy struct {
	levels []Level
}

// NewThresholdPolicy creates a policy from levels. Thresholds must be
// positive and strictly increasing.
func NewThresholdPolicy(levels []Level) (*ThresholdPolicy, error) {
	for i, l := range levels {
		if l.After <= 0 {
			return nil, fmt.Errorf("sla: level %d: after must be positive", i+1)
		}
		if i > 0 && l.After <= levels[i-1].After {
			return nil, fmt.Errorf("sla: level %d: after %s must exceed level %d (%s)", i+1, l.After, i, levels[i-1].After)
		}
	}
	return &ThresholdPolicy{levels: slices.Clone(levels)}, nil
}

// Level returns the highest level whose threshold has passed.
func (p *ThresholdPolicy) Level(exceeded time.Duration) int {
	level := 0
	for i, l := range p.levels {
		if exceeded < l.After {
			break
		}
		level = i + 1
	}
	return level
}

// NotifyRoles returns the roles to notify at level.
func (p *ThresholdPolicy) NotifyRoles(level int) []string {
	if level < 1 || level > len(p.levels) {
		return nil
	}
	return slices.Clone(p.levels[level-1].NotifyRoles)
}
