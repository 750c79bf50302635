package model

import "time"

// ChannelType identifies a notification channel variant
type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSMS      ChannelType = "sms"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelWebhook  ChannelType = "webhook"
	ChannelPushover ChannelType = "pushover"
	ChannelTelegram ChannelType = "telegram"
)

// NotificationChannel is a configured notification target
type NotificationChannel struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Type             ChannelType       `json:"type" yaml:"type"`
	Config           map[string]string `json:"config" yaml:"config"`
	Enabled          bool              `json:"enabled" yaml:"enabled"`
	RateLimitSeconds int               `json:"rate_limit_seconds" yaml:"rate_limit_seconds"`
	LastUsedAt       *time.Time        `json:"last_used_at,omitempty" yaml:"-"`
	UsageCount       int               `json:"usage_count" yaml:"-"`
	FailureCount     int               `json:"failure_count" yaml:"-"`
}

// Clone returns a deep copy of the channel
func (c *NotificationChannel) Clone() *NotificationChannel {
	cp := *c
	cp.Config = make(map[string]string, len(c.Config))
	for k, v := range c.Config {
		cp.Config[k] = v
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
