package rules

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/t77yq/alertd/internal/model"
)

// ErrInvalidRule is returned when a rule's condition cannot be compiled
var ErrInvalidRule = errors.New("invalid rule")

// Condition is a compiled rule predicate
type Condition interface {
	// Evaluate reports whether event satisfies the condition at now. Rate
	// conditions record qualifying events in tracker under ruleID.
	Evaluate(ruleID string, event *model.Event, now time.Time, tracker *RateTracker) bool
}

// filter holds the severity and category sets shared by both rule types.
// An empty set matches everything.
type filter struct {
	severities map[model.EventSeverity]struct{}
	categories map[string]struct{}
}

func newFilter(c model.RuleCondition) filter {
	f := filter{}
	if len(c.Severity) > 0 {
		f.severities = make(map[model.EventSeverity]struct{}, len(c.Severity))
		for _, s := range c.Severity {
			f.severities[s] = struct{}{}
		}
	}
	if len(c.Category) > 0 {
		f.categories = make(map[string]struct{}, len(c.Category))
		for _, cat := range c.Category {
			f.categories[cat] = struct{}{}
		}
	}
	return f
}

func (f filter) matches(e *model.Event) bool {
	if f.severities != nil {
		if _, ok := f.severities[e.Severity]; !ok {
			return false
		}
	}
	if f.categories != nil {
		if _, ok := f.categories[e.Category]; !ok {
			return false
		}
	}
	return true
}

type patternCondition struct {
	filter
	eventType string
	re        *regexp.Regexp
}

func (c *patternCondition) Evaluate(_ string, e *model.Event, _ time.Time, _ *RateTracker) bool {
	if !c.matches(e) {
		return false
	}
	if c.eventType != "" && e.EventType != c.eventType {
		return false
	}
	if c.re != nil && !c.re.MatchString(e.Message) {
		return false
	}
	return true
}

type rateCondition struct {
	filter
	count  int
	window time.Duration
}

func (c *rateCondition) Evaluate(ruleID string, e *model.Event, now time.Time, tracker *RateTracker) bool {
	if !c.matches(e) {
		return false
	}
	return tracker.Record(ruleID, now, c.window) >= c.count
}

// Compile validates rule and builds its condition
func Compile(rule *model.AlertRule) (Condition, error) {
	c := rule.Condition
	switch rule.Type {
	case model.RuleTypePattern:
		if c.Count != 0 || c.TimeWindowSeconds != 0 {
			return nil, fmt.Errorf("%w: pattern rule %s has rate fields", ErrInvalidRule, rule.ID)
		}
		cond := &patternCondition{filter: newFilter(c), eventType: c.EventType}
		if c.Pattern != "" {
			re, err := regexp.Compile("(?i)" + c.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s: bad pattern: %v", ErrInvalidRule, rule.ID, err)
			}
			cond.re = re
		}
		return cond, nil

	case model.RuleTypeRate:
		if c.Pattern != "" || c.EventType != "" {
			return nil, fmt.Errorf("%w: rate rule %s has pattern fields", ErrInvalidRule, rule.ID)
		}
		if c.Count <= 0 {
			return nil, fmt.Errorf("%w: rule %s: count must be positive", ErrInvalidRule, rule.ID)
		}
		if c.TimeWindowSeconds <= 0 {
			return nil, fmt.Errorf("%w: rule %s: time window must be positive", ErrInvalidRule, rule.ID)
		}
		return &rateCondition{
			filter: newFilter(c),
			count:  c.Count,
			window: time.Duration(c.TimeWindowSeconds) * time.Second,
		}, nil

	default:
		return nil, fmt.Errorf("%w: rule %s: unknown type %q", ErrInvalidRule, rule.ID, rule.Type)
	}
}

// Validate checks the fields of rule that do not depend on its type
func Validate(rule *model.AlertRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if rule.Name == "" {
		return fmt.Errorf("%w: rule %s: name is required", ErrInvalidRule, rule.ID)
	}
	if rule.CooldownSeconds < 0 {
		return fmt.Errorf("%w: rule %s: negative cooldown", ErrInvalidRule, rule.ID)
	}
	switch rule.Severity {
	case model.AlertSeverityLow, model.AlertSeverityMedium, model.AlertSeverityHigh, model.AlertSeverityCritical:
	default:
		return fmt.Errorf("%w: rule %s: unknown severity %q", ErrInvalidRule, rule.ID, rule.Severity)
	}
	for i, lvl := range rule.EscalationLevels {
		if lvl.DelaySeconds <= 0 {
			return fmt.Errorf("%w: rule %s: escalation level %d needs a positive delay", ErrInvalidRule, rule.ID, i+1)
		}
	}
	_, err := Compile(rule)
	return err
}
