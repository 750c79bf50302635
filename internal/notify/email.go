package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/t77yq/alertd/internal/model"
)

// EmailChannel sends alerts by email. Config keys: to (comma separated),
// subject_prefix (optional).
type EmailChannel struct {
	mailer Mailer
}

// NewEmailChannel creates an email channel backed by mailer
func NewEmailChannel(mailer Mailer) *EmailChannel {
	return &EmailChannel{mailer: mailer}
}

func (c *EmailChannel) Type() model.ChannelType { return model.ChannelEmail }

func (c *EmailChannel) Validate(config map[string]string) error {
	if err := requireKeys(config, "to"); err != nil {
		return err
	}
	for _, addr := range recipients(config["to"]) {
		if !strings.Contains(addr, "@") {
			return fmt.Errorf("%w: invalid recipient %q", ErrInvalidChannelConfig, addr)
		}
	}
	return nil
}

func (c *EmailChannel) Send(ctx context.Context, ch *model.NotificationChannel, msg *Message) (string, error) {
	to := recipients(ch.Config["to"])
	if len(to) == 0 {
		return "", fmt.Errorf("%w: no recipients", ErrInvalidChannelConfig)
	}
	subject := msg.Title
	if prefix := ch.Config["subject_prefix"]; prefix != "" {
		subject = prefix + " " + subject
	}
	if err := c.mailer.SendMail(ctx, to, headerBreaks.Replace(subject), msg.Text()); err != nil {
		return "", err
	}
	return fmt.Sprintf("email sent to %d recipients", len(to)), nil
}

func recipients(list string) []string {
	var out []string
	for _, r := range strings.Split(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
