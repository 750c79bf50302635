package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// RuleType represents the type of alert rule
type RuleType string

const (
	RuleTypePattern RuleType = "pattern"
	RuleTypeRate    RuleType = "rate"
)

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusTriggered    AlertStatus = "triggered"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// RuleCondition holds the predicate of a rule. Which fields apply depends on
// the rule type: pattern rules use EventType and Pattern, rate rules use Count
// and TimeWindowSeconds. Severity and Category filter both.
type RuleCondition struct {
	Severity          []EventSeverity `json:"severity,omitempty" yaml:"severity,omitempty"`
	Category          []string        `json:"category,omitempty" yaml:"category,omitempty"`
	EventType         string          `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Pattern           string          `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Count             int             `json:"count,omitempty" yaml:"count,omitempty"`
	TimeWindowSeconds int             `json:"time_window_seconds,omitempty" yaml:"time_window_seconds,omitempty"`
}

// EscalationLevel is one timed follow-up notification step
type EscalationLevel struct {
	DelaySeconds int      `json:"delay_seconds" yaml:"delay_seconds"`
	Channels     []string `json:"channels" yaml:"channels"`
}

// AlertRule defines a rule for generating alerts
type AlertRule struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Type             RuleType          `json:"type" yaml:"type"`
	Condition        RuleCondition     `json:"condition" yaml:"condition"`
	Channels         []string          `json:"channels" yaml:"channels"`
	Severity         AlertSeverity     `json:"severity" yaml:"severity"`
	Enabled          bool              `json:"enabled" yaml:"enabled"`
	CooldownSeconds  int               `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	EscalationLevels []EscalationLevel `json:"escalation_levels,omitempty" yaml:"escalation_levels,omitempty"`
	LastTriggeredAt  *time.Time        `json:"last_triggered_at,omitempty" yaml:"-"`
	TriggerCount     int               `json:"trigger_count" yaml:"-"`
	CreatedAt        time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy of the rule
func (r *AlertRule) Clone() *AlertRule {
	c := *r
	c.Channels = append([]string(nil), r.Channels...)
	c.Condition.Severity = append([]EventSeverity(nil), r.Condition.Severity...)
	c.Condition.Category = append([]string(nil), r.Condition.Category...)
	c.EscalationLevels = make([]EscalationLevel, len(r.EscalationLevels))
	for i, lvl := range r.EscalationLevels {
		c.EscalationLevels[i] = EscalationLevel{
			DelaySeconds: lvl.DelaySeconds,
			Channels:     append([]string(nil), lvl.Channels...),
		}
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

// NotificationResult is the outcome of one channel send
type NotificationResult struct {
	Success bool      `json:"success"`
	Detail  string    `json:"detail,omitempty"`
	Error   string    `json:"error,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Alert represents a triggered alert
type Alert struct {
	ID                  string                        `json:"id"`
	RuleID              string                        `json:"rule_id"`
	RuleName            string                        `json:"rule_name"`
	Severity            AlertSeverity                 `json:"severity"`
	Status              AlertStatus                   `json:"status"`
	TriggeredAt         time.Time                     `json:"triggered_at"`
	AcknowledgedAt      *time.Time                    `json:"acknowledged_at,omitempty"`
	ResolvedAt          *time.Time                    `json:"resolved_at,omitempty"`
	Event               Event                         `json:"event"`
	NotificationResults map[string]NotificationResult `json:"notification_results,omitempty"`
	EscalationLevel     int                           `json:"escalation_level"`
}

// AlertFilter selects alerts from history
type AlertFilter struct {
	Severity []AlertSeverity
	Status   []AlertStatus
	RuleID   string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// AlertStats is the aggregate view over alert history
type AlertStats struct {
	Total      int                   `json:"total"`
	BySeverity map[AlertSeverity]int `json:"by_severity"`
	ByStatus   map[AlertStatus]int   `json:"by_status"`
	ByRule     map[string]int        `json:"by_rule"`
	Last24h    int                   `json:"last_24h"`
}
