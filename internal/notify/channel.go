package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/alertd/internal/model"
)

var (
	// ErrUnsupportedChannel is returned for an unknown channel type
	ErrUnsupportedChannel = errors.New("unsupported channel type")

	// ErrInvalidChannelConfig is returned when a channel config is missing required keys
	ErrInvalidChannelConfig = errors.New("invalid channel config")

	// ErrChannelNotFound is returned when a rule references an unknown channel
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelDisabled is returned when sending through a disabled channel
	ErrChannelDisabled = errors.New("channel disabled")

	// ErrRateLimited is returned when a channel was used within its rate limit
	ErrRateLimited = errors.New("rate limited")

	// ErrTransport is returned when the underlying transport fails
	ErrTransport = errors.New("transport error")
)

// Channel is one notification channel variant. Send builds the type-specific
// payload for msg and hands it to the transport, returning a short detail on
// success.
type Channel interface {
	Type() model.ChannelType
	Validate(config map[string]string) error
	Send(ctx context.Context, ch *model.NotificationChannel, msg *Message) (string, error)
}

// Message is the rendered, channel-independent content of a notification
type Message struct {
	AlertID         string
	RuleID          string
	RuleName        string
	Title           string
	Description     string
	Severity        model.AlertSeverity
	EventSeverity   model.EventSeverity
	Source          string
	Device          string
	EventTime       time.Time
	TriggeredAt     time.Time
	EscalationLevel int
}

// NewMessage renders alert into a Message. level > 0 marks an escalation.
func NewMessage(alert *model.Alert, level int) *Message {
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.RuleName)
	if level > 0 {
		title = fmt.Sprintf("[ESCALATION L%d] %s", level, title)
	}
	return &Message{
		AlertID:         alert.ID,
		RuleID:          alert.RuleID,
		RuleName:        alert.RuleName,
		Title:           title,
		Description:     alert.Event.Message,
		Severity:        alert.Severity,
		EventSeverity:   alert.Event.Severity,
		Source:          alert.Event.Source,
		Device:          alert.Event.Device,
		EventTime:       alert.Event.Timestamp,
		TriggeredAt:     alert.TriggeredAt,
		EscalationLevel: level,
	}
}

// Text renders the message as plain text lines
func (m *Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Title)
	b.WriteString("\n")
	if m.Description != "" {
		b.WriteString(m.Description)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Severity: %s (event: %s)\n", m.Severity, m.EventSeverity)
	if m.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", m.Source)
	}
	if m.Device != "" {
		fmt.Fprintf(&b, "Device: %s\n", m.Device)
	}
	fmt.Fprintf(&b, "Event time: %s\n", m.EventTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Triggered: %s\n", m.TriggeredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Alert ID: %s", m.AlertID)
	return b.String()
}

func requireKeys(config map[string]string, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(config[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidChannelConfig, strings.Join(missing, ", "))
	}
	return nil
}

func configOr(config map[string]string, key, def string) string {
	if v := config[key]; v != "" {
		return v
	}
	return def
}

func severityColor(s model.AlertSeverity) string {
	switch s {
	case model.AlertSeverityCritical:
		return "FF4F6A"
	case model.AlertSeverityHigh:
		return "FF8C00"
	case model.AlertSeverityMedium:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
