package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/t77yq/alertd/internal/model"
)

const (
	defaultTwilioAPI   = "https://api.twilio.com/2010-04-01"
	defaultPushoverAPI = "https://api.pushover.net/1/messages.json"

	// maxSMSLength keeps texts within one concatenated SMS, in characters
	maxSMSLength = 320
)

// SMSChannel sends texts through a Twilio-compatible REST API. Config keys:
// account_sid, auth_token, from, to (comma separated), api_url (optional).
type SMSChannel struct {
	transport Transport
}

func NewSMSChannel(transport Transport) *SMSChannel {
	return &SMSChannel{transport: transport}
}

func (c *SMSChannel) Type() model.ChannelType { return model.ChannelSMS }

func (c *SMSChannel) Validate(config map[string]string) error {
	return requireKeys(config, "account_sid", "auth_token", "from", "to")
}

func (c *SMSChannel) Send(ctx context.Context, ch *model.NotificationChannel, msg *Message) (string, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json",
		strings.TrimSuffix(configOr(ch.Config, "api_url", defaultTwilioAPI), "/"),
		ch.Config["account_sid"])

	text := fmt.Sprintf("%s: %s (source %s, alert %s)", msg.Title, msg.Description, nonEmpty(msg.Source), msg.AlertID)
	text = truncateRunes(text, maxSMSLength)

	to := recipients(ch.Config["to"])
	if len(to) == 0 {
		return "", fmt.Errorf("%w: no recipients", ErrInvalidChannelConfig)
	}
	for _, number := range to {
		form := url.Values{}
		form.Set("To", number)
		form.Set("From", ch.Config["from"])
		form.Set("Body", text)

		_, _, err := c.transport.Do(ctx, &Request{
			Method:   "POST",
			URL:      endpoint,
			Header:   map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
			Body:     []byte(form.Encode()),
			Username: ch.Config["account_sid"],
			Password: ch.Config["auth_token"],
		})
		if err != nil {
			return "", fmt.Errorf("sms to %s: %w", number, err)
		}
	}
	return fmt.Sprintf("sms sent to %d numbers", len(to)), nil
}

// PushoverChannel sends push notifications through Pushover. Config keys:
// token, user, api_url (optional).
type PushoverChannel struct {
	transport Transport
}

func NewPushoverChannel(transport Transport) *PushoverChannel {
	return &PushoverChannel{transport: transport}
}

func (c *PushoverChannel) Type() model.ChannelType { return model.ChannelPushover }

func (c *PushoverChannel) Validate(config map[string]string) error {
	return requireKeys(config, "token", "user")
}

// pushoverPriority maps alert severity onto Pushover priorities (-2..2).
// Emergency priority (2) requires retry/expire parameters, so critical maps to 1.
func pushoverPriority(s model.AlertSeverity) string {
	switch s {
	case model.AlertSeverityCritical, model.AlertSeverityHigh:
		return "1"
	case model.AlertSeverityMedium:
		return "0"
	default:
		return "-1"
	}
}

func (c *PushoverChannel) Send(ctx context.Context, ch *model.NotificationChannel, msg *Message) (string, error) {
	form := url.Values{}
	form.Set("token", ch.Config["token"])
	form.Set("user", ch.Config["user"])
	form.Set("title", msg.Title)
	form.Set("message", msg.Text())
	form.Set("priority", pushoverPriority(msg.Severity))
	form.Set("timestamp", fmt.Sprintf("%d", msg.TriggeredAt.Unix()))

	status, _, err := c.transport.Do(ctx, &Request{
		Method: "POST",
		URL:    configOr(ch.Config, "api_url", defaultPushoverAPI),
		Header: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:   []byte(form.Encode()),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pushover notification sent (HTTP %d)", status), nil
}

// truncateRunes cuts s to at most limit characters, ending in "..." when cut
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}
