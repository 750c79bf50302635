package rules

import (
	"time"

	"github.com/t77yq/alertd/internal/model"
)

// DefaultRules returns the rule set used when no rules can be loaded
func DefaultRules() []*model.AlertRule {
	created := time.Unix(0, 0).UTC()
	rules := []*model.AlertRule{
		{
			ID:   "default-critical-events",
			Name: "Critical events",
			Type: model.RuleTypePattern,
			Condition: model.RuleCondition{
				Severity: []model.EventSeverity{model.EventSeverityCritical, model.EventSeverityFatal},
			},
			Severity:        model.AlertSeverityCritical,
			CooldownSeconds: 300,
		},
		{
			ID:   "default-error-burst",
			Name: "Error burst",
			Type: model.RuleTypeRate,
			Condition: model.RuleCondition{
				Severity:          []model.EventSeverity{model.EventSeverityError},
				Count:             10,
				TimeWindowSeconds: 60,
			},
			Severity:        model.AlertSeverityHigh,
			CooldownSeconds: 600,
		},
		{
			ID:   "default-auth-failures",
			Name: "Authentication failures",
			Type: model.RuleTypeRate,
			Condition: model.RuleCondition{
				Category:          []string{"security", "auth"},
				Count:             5,
				TimeWindowSeconds: 300,
			},
			Severity:        model.AlertSeverityHigh,
			CooldownSeconds: 900,
		},
		{
			ID:   "default-security-keywords",
			Name: "Security keywords",
			Type: model.RuleTypePattern,
			Condition: model.RuleCondition{
				Pattern: `\b(unauthorized|intrusion|breach|malware|exploit)\b`,
			},
			Severity:        model.AlertSeverityHigh,
			CooldownSeconds: 300,
		},
		{
			ID:   "default-anomaly-detected",
			Name: "Anomaly detected",
			Type: model.RuleTypePattern,
			Condition: model.RuleCondition{
				EventType: model.EventTypeAnomaly,
			},
			Severity:        model.AlertSeverityHigh,
			CooldownSeconds: 300,
		},
	}
	for _, r := range rules {
		r.Enabled = true
		r.Channels = []string{}
		r.CreatedAt = created
		r.UpdatedAt = created
	}
	return rules
}
