package rules

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
)

type entry struct {
	rule *model.AlertRule
	cond Condition
}

// Store is the ordered in-memory rule set. Rules are evaluated in the order
// they were loaded or added.
type Store struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries []*entry
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger.Named("rules")}
}

// Load replaces the rule set. Rules that fail validation are skipped and
// logged; the number of loaded rules is returned.
func (s *Store) Load(rules []*model.AlertRule) int {
	entries := make([]*entry, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			s.logger.Warn("Skipping duplicate rule", zap.String("rule_id", r.ID))
			continue
		}
		e, err := newEntry(r)
		if err != nil {
			s.logger.Warn("Skipping invalid rule",
				zap.String("rule_id", r.ID),
				zap.Error(err))
			continue
		}
		seen[r.ID] = true
		entries = append(entries, e)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	s.logger.Info("Rules loaded", zap.Int("count", len(entries)))
	return len(entries)
}

func newEntry(r *model.AlertRule) (*entry, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	cond, err := Compile(r)
	if err != nil {
		return nil, err
	}
	return &entry{rule: r.Clone(), cond: cond}, nil
}

// Put validates rule and adds it, or replaces the rule with the same id in place
func (s *Store) Put(rule *model.AlertRule) error {
	e, err := newEntry(rule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.entries {
		if cur.rule.ID == rule.ID {
			s.entries[i] = e
			return nil
		}
	}
	s.entries = append(s.entries, e)
	return nil
}

// Remove deletes a rule, reporting whether it existed
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.entries {
		if cur.rule.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a copy of a rule
func (s *Store) Get(id string) (*model.AlertRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cur := range s.entries {
		if cur.rule.ID == id {
			return cur.rule.Clone(), true
		}
	}
	return nil, false
}

// List returns copies of all rules in evaluation order
func (s *Store) List() []*model.AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.AlertRule, len(s.entries))
	for i, cur := range s.entries {
		out[i] = cur.rule.Clone()
	}
	return out
}

// Len returns the number of rules
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.rule.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// tryTrigger applies the cooldown gate and, when the rule may fire, records
// the trigger. It returns a copy of the updated rule.
func (s *Store) tryTrigger(id string, now time.Time) (*model.AlertRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.rule.ID != id {
			continue
		}
		if coolingDown(e.rule, now) {
			return nil, false
		}
		at := now
		e.rule.LastTriggeredAt = &at
		e.rule.TriggerCount++
		return e.rule.Clone(), true
	}
	return nil, false
}

// coolingDown reports whether rule fired less than cooldownSeconds ago.
// At exactly cooldownSeconds the rule may fire again.
func coolingDown(rule *model.AlertRule, now time.Time) bool {
	if rule.CooldownSeconds == 0 || rule.LastTriggeredAt == nil {
		return false
	}
	return now.Sub(*rule.LastTriggeredAt) < time.Duration(rule.CooldownSeconds)*time.Second
}
