package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/alertd/internal/model"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func event(sev model.EventSeverity, msg string) *model.Event {
	return &model.Event{ID: msg, Severity: sev, Message: msg}
}

func newEvaluator(t *testing.T, c *clock, rules ...*model.AlertRule) *Evaluator {
	store := NewStore(zaptest.NewLogger(t))
	require.Equal(t, len(rules), store.Load(rules))
	return NewEvaluator(zaptest.NewLogger(t), store, WithClock(c.Now))
}

func rateRule(id string, count, window, cooldown int) *model.AlertRule {
	return &model.AlertRule{
		ID:   id,
		Name: id,
		Type: model.RuleTypeRate,
		Condition: model.RuleCondition{
			Severity:          []model.EventSeverity{model.EventSeverityError},
			Count:             count,
			TimeWindowSeconds: window,
		},
		Severity:        model.AlertSeverityHigh,
		Enabled:         true,
		CooldownSeconds: cooldown,
	}
}

func patternRule(id string, cond model.RuleCondition, cooldown int) *model.AlertRule {
	return &model.AlertRule{
		ID:              id,
		Name:            id,
		Type:            model.RuleTypePattern,
		Condition:       cond,
		Severity:        model.AlertSeverityMedium,
		Enabled:         true,
		CooldownSeconds: cooldown,
	}
}

func TestCompileRejectsInvalidConditions(t *testing.T) {
	tests := []struct {
		name string
		rule *model.AlertRule
	}{
		{"bad regex", patternRule("r", model.RuleCondition{Pattern: "(unclosed"}, 0)},
		{"zero count", rateRule("r", 0, 60, 0)},
		{"zero window", rateRule("r", 5, 0, 0)},
		{"pattern with rate fields", patternRule("r", model.RuleCondition{Pattern: "x", Count: 3}, 0)},
		{"rate with pattern", func() *model.AlertRule {
			r := rateRule("r", 5, 60, 0)
			r.Condition.Pattern = "x"
			return r
		}()},
		{"unknown type", &model.AlertRule{ID: "r", Name: "r", Type: "threshold", Severity: model.AlertSeverityLow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.rule)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestStoreSkipsInvalidRules(t *testing.T) {
	store := NewStore(zaptest.NewLogger(t))
	n := store.Load([]*model.AlertRule{
		rateRule("a", 5, 60, 0),
		patternRule("b", model.RuleCondition{Pattern: "[bad"}, 0),
		patternRule("c", model.RuleCondition{Pattern: "ok"}, 0),
		rateRule("a", 3, 60, 0),
	})
	assert.Equal(t, 2, n)

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, 5, list[0].Condition.Count)
	assert.Equal(t, "c", list[1].ID)

	require.NoError(t, store.Put(rateRule("d", 1, 1, 0)))
	updated := patternRule("a", model.RuleCondition{Pattern: "new"}, 0)
	require.NoError(t, store.Put(updated))
	ids := []string{}
	for _, r := range store.List() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, ids)

	assert.ErrorIs(t, store.Put(rateRule("e", -1, 60, 0)), ErrInvalidRule)
	assert.True(t, store.Remove("c"))
	assert.False(t, store.Remove("c"))
	assert.Equal(t, 2, store.Len())
}

// Five errors in ten seconds against {error, 5, 60s} fire once
func TestRateRuleFiresOnceOnBurst(t *testing.T) {
	c := newClock()
	ev := newEvaluator(t, c, rateRule("burst", 5, 60, 300))

	var fired int
	for i := 0; i < 5; i++ {
		fired += len(ev.Evaluate(event(model.EventSeverityError, "boom")))
		c.Advance(2 * time.Second)
	}
	assert.Equal(t, 1, fired)

	// further qualifying events inside the cooldown stay suppressed
	for i := 0; i < 20; i++ {
		fired += len(ev.Evaluate(event(model.EventSeverityError, "boom")))
		c.Advance(time.Second)
	}
	assert.Equal(t, 1, fired)
}

func TestRateWindowPrunes(t *testing.T) {
	c := newClock()
	ev := newEvaluator(t, c, rateRule("slow", 3, 10, 0))

	for i := 0; i < 5; i++ {
		assert.Empty(t, ev.Evaluate(event(model.EventSeverityError, "tick")))
		c.Advance(6 * time.Second)
	}
	assert.Equal(t, 2, ev.Tracker().Count("slow"))

	// non-qualifying severities never enter the window
	assert.Empty(t, ev.Evaluate(event(model.EventSeverityWarning, "tick")))
	assert.Equal(t, 2, ev.Tracker().Count("slow"))
}

func TestRateWindowBoundaryIsInclusive(t *testing.T) {
	c := newClock()
	ev := newEvaluator(t, c, rateRule("edge", 2, 60, 0))

	assert.Empty(t, ev.Evaluate(event(model.EventSeverityError, "first")))
	c.Advance(60 * time.Second)
	assert.Len(t, ev.Evaluate(event(model.EventSeverityError, "second")), 1)
	assert.Equal(t, 2, ev.Tracker().Count("edge"))

	// one tick later the first entry is older than the window
	c.Advance(time.Nanosecond)
	assert.Equal(t, 2, ev.Tracker().Record("edge", c.Now(), time.Minute))
}

// Regex alternation matches case-insensitively against the message
func TestPatternRuleRegex(t *testing.T) {
	c := newClock()
	ev := newEvaluator(t, c, patternRule("auth", model.RuleCondition{Pattern: "(failed|denied)"}, 0))

	assert.Len(t, ev.Evaluate(event(model.EventSeverityInfo, "login denied for user X")), 1)
	assert.Empty(t, ev.Evaluate(event(model.EventSeverityInfo, "login accepted")))
	assert.Len(t, ev.Evaluate(event(model.EventSeverityInfo, "Login FAILED")), 1)
}

func TestSeverityOnlyPatternFiresEveryTime(t *testing.T) {
	c := newClock()
	ev := newEvaluator(t, c, patternRule("crit", model.RuleCondition{
		Severity: []model.EventSeverity{model.EventSeverityCritical},
	}, 0))

	for i := 0; i < 10; i++ {
		assert.Len(t, ev.Evaluate(event(model.EventSeverityCritical, "disk gone")), 1)
	}
	assert.Empty(t, ev.Evaluate(event(model.EventSeverityError, "disk gone")))

	rule, ok := ev.store.Get("crit")
	require.True(t, ok)
	assert.Equal(t, 10, rule.TriggerCount)
	require.NotNil(t, rule.LastTriggeredAt)
}

func TestPatternConditionConjunction(t *testing.T) {
	c := newClock()
	ev := newEvaluator(t, c, patternRule("combo", model.RuleCondition{
		Severity:  []model.EventSeverity{model.EventSeverityError},
		Category:  []string{"auth"},
		EventType: "login",
		Pattern:   "denied",
	}, 0))

	e := &model.Event{Severity: model.EventSeverityError, Category: "auth", EventType: "login", Message: "access denied"}
	assert.Len(t, ev.Evaluate(e), 1)

	wrongCategory := *e
	wrongCategory.Category = "network"
	assert.Empty(t, ev.Evaluate(&wrongCategory))

	wrongType := *e
	wrongType.EventType = "logout"
	assert.Empty(t, ev.Evaluate(&wrongType))
}

func TestCooldownBoundaryIsExclusive(t *testing.T) {
	c := newClock()
	ev := newEvaluator(t, c, patternRule("cool", model.RuleCondition{Pattern: "x"}, 60))

	assert.Len(t, ev.Evaluate(event(model.EventSeverityInfo, "x")), 1)
	c.Advance(59 * time.Second)
	assert.Empty(t, ev.Evaluate(event(model.EventSeverityInfo, "x")))
	c.Advance(time.Second)
	assert.Len(t, ev.Evaluate(event(model.EventSeverityInfo, "x")), 1)
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	c := newClock()
	r := patternRule("off", model.RuleCondition{}, 0)
	r.Enabled = false
	ev := newEvaluator(t, c, r)
	assert.Empty(t, ev.Evaluate(event(model.EventSeverityInfo, "anything")))
}

type panicCondition struct{}

func (panicCondition) Evaluate(string, *model.Event, time.Time, *RateTracker) bool {
	panic("boom")
}

func TestEvaluatorRecoversFromPanickingRule(t *testing.T) {
	c := newClock()
	ev := newEvaluator(t, c,
		patternRule("first", model.RuleCondition{}, 0),
		patternRule("second", model.RuleCondition{}, 0))
	ev.store.entries[0].cond = panicCondition{}

	fired := ev.Evaluate(event(model.EventSeverityInfo, "hi"))
	require.Len(t, fired, 1)
	assert.Equal(t, "second", fired[0].ID)
}

func TestMatch(t *testing.T) {
	ev := newEvaluator(t, newClock())
	ok, err := ev.Match(patternRule("p", model.RuleCondition{Pattern: "denied"}, 0), event(model.EventSeverityInfo, "denied"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ev.Match(patternRule("p", model.RuleCondition{Pattern: "("}, 0), event(model.EventSeverityInfo, "x"))
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestDefaultRulesAreValid(t *testing.T) {
	c := newClock()
	defaults := DefaultRules()
	ev := newEvaluator(t, c, defaults...)

	anomaly := &model.Event{ID: "a1", Severity: model.EventSeverityError, EventType: model.EventTypeAnomaly, Message: "frequency spike"}
	var names []string
	for _, r := range ev.Evaluate(anomaly) {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "Anomaly detected")
}

const seedYAML = `
rules:
  - id: auth-denied
    name: Auth denied
    type: pattern
    severity: high
    cooldown_seconds: 60
    channels: [ops-slack]
    condition:
      pattern: "(failed|denied)"
    escalation_levels:
      - delay_seconds: 300
        channels: [oncall-sms]
  - id: error-rate
    name: Error rate
    type: rate
    severity: medium
    enabled: false
    condition:
      severity: [error]
      count: 5
      time_window_seconds: 60
channels:
  - id: ops-slack
    name: Ops
    type: slack
    rate_limit_seconds: 30
    config:
      webhook_url: https://hooks.example.com/x
`

func TestParseSeed(t *testing.T) {
	seed, err := Parse([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Rules, 2)

	auth := seed.Rules[0]
	assert.True(t, auth.Enabled)
	assert.Equal(t, model.RuleTypePattern, auth.Type)
	assert.Equal(t, []string{"ops-slack"}, auth.Channels)
	require.Len(t, auth.EscalationLevels, 1)
	assert.Equal(t, 300, auth.EscalationLevels[0].DelaySeconds)

	rate := seed.Rules[1]
	assert.False(t, rate.Enabled)
	assert.Equal(t, []model.EventSeverity{model.EventSeverityError}, rate.Condition.Severity)

	require.Len(t, seed.Channels, 1)
	assert.True(t, seed.Channels[0].Enabled)
	assert.Equal(t, 30, seed.Channels[0].RateLimitSeconds)
	assert.Equal(t, "https://hooks.example.com/x", seed.Channels[0].Config["webhook_url"])

	_, err = Parse([]byte("rules:\n  - id: x\n    name: x\n    type: rate\n    severity: low\n"))
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Seed, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, zaptest.NewLogger(t), path, func(s *Seed) { reloaded <- s })
	}()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	deadline := time.After(5 * time.Second)
	for loaded := false; !loaded; {
		select {
		case seed := <-reloaded:
			// the truncate can surface as its own write event
			loaded = len(seed.Rules) == 2
		case <-deadline:
			t.Fatal("rules file was not reloaded")
		}
	}

	cancel()
	require.NoError(t, <-done)
}
