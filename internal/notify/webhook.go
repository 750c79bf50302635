package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/t77yq/alertd/internal/model"
)

const headerPrefix = "header."

// WebhookChannel posts a generic JSON document. Config keys: url, method
// (optional, POST), header.<Name> for extra request headers.
type WebhookChannel struct {
	transport Transport
}

func NewWebhookChannel(transport Transport) *WebhookChannel {
	return &WebhookChannel{transport: transport}
}

func (c *WebhookChannel) Type() model.ChannelType { return model.ChannelWebhook }

func (c *WebhookChannel) Validate(config map[string]string) error {
	if err := requireKeys(config, "url"); err != nil {
		return err
	}
	switch strings.ToUpper(configOr(config, "method", http.MethodPost)) {
	case http.MethodPost, http.MethodPut:
		return nil
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidChannelConfig, config["method"])
	}
}

type webhookPayload struct {
	AlertID         string `json:"alert_id"`
	RuleID          string `json:"rule_id"`
	RuleName        string `json:"rule_name"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Severity        string `json:"severity"`
	EventSeverity   string `json:"event_severity"`
	Source          string `json:"source,omitempty"`
	Device          string `json:"device,omitempty"`
	EventTime       string `json:"event_time"`
	TriggeredAt     string `json:"triggered_at"`
	EscalationLevel int    `json:"escalation_level"`
}

func (c *WebhookChannel) Send(ctx context.Context, ch *model.NotificationChannel, msg *Message) (string, error) {
	header := make(map[string]string)
	for k, v := range ch.Config {
		if strings.HasPrefix(k, headerPrefix) {
			header[strings.TrimPrefix(k, headerPrefix)] = v
		}
	}
	header["Content-Type"] = "application/json"

	payload := webhookPayload{
		AlertID:         msg.AlertID,
		RuleID:          msg.RuleID,
		RuleName:        msg.RuleName,
		Title:           msg.Title,
		Description:     msg.Description,
		Severity:        string(msg.Severity),
		EventSeverity:   string(msg.EventSeverity),
		Source:          msg.Source,
		Device:          msg.Device,
		EventTime:       msg.EventTime.UTC().Format(time.RFC3339),
		TriggeredAt:     msg.TriggeredAt.UTC().Format(time.RFC3339),
		EscalationLevel: msg.EscalationLevel,
	}

	method := strings.ToUpper(configOr(ch.Config, "method", http.MethodPost))
	return sendJSON(ctx, c.transport, method, ch.Config["url"], header, payload, "webhook delivered")
}
