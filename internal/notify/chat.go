package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/alertd/internal/model"
)

const defaultTelegramAPI = "https://api.telegram.org"

// SlackChannel posts to a Slack incoming webhook. Config keys: webhook_url,
// channel and username (optional).
type SlackChannel struct {
	transport Transport
}

func NewSlackChannel(transport Transport) *SlackChannel {
	return &SlackChannel{transport: transport}
}

func (c *SlackChannel) Type() model.ChannelType { return model.ChannelSlack }

func (c *SlackChannel) Validate(config map[string]string) error {
	return requireKeys(config, "webhook_url")
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func (c *SlackChannel) Send(ctx context.Context, ch *model.NotificationChannel, msg *Message) (string, error) {
	payload := slackPayload{
		Text:     fmt.Sprintf("*%s*", msg.Title),
		Channel:  ch.Config["channel"],
		Username: ch.Config["username"],
		Attachments: []slackAttachment{{
			Color: "#" + severityColor(msg.Severity),
			Title: msg.RuleName,
			Text:  msg.Description,
			Fields: []slackField{
				{Title: "Severity", Value: string(msg.Severity), Short: true},
				{Title: "Event severity", Value: string(msg.EventSeverity), Short: true},
				{Title: "Source", Value: msg.Source, Short: true},
				{Title: "Device", Value: msg.Device, Short: true},
			},
			Footer: "alert " + msg.AlertID,
			Ts:     msg.TriggeredAt.Unix(),
		}},
	}
	return postJSON(ctx, c.transport, ch.Config["webhook_url"], nil, payload, "slack message posted")
}

// DiscordChannel posts to a Discord webhook. Config keys: webhook_url,
// username (optional).
type DiscordChannel struct {
	transport Transport
}

func NewDiscordChannel(transport Transport) *DiscordChannel {
	return &DiscordChannel{transport: transport}
}

func (c *DiscordChannel) Type() model.ChannelType { return model.ChannelDiscord }

func (c *DiscordChannel) Validate(config map[string]string) error {
	return requireKeys(config, "webhook_url")
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Timestamp   string         `json:"timestamp"`
}

type discordPayload struct {
	Content  string         `json:"content"`
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (c *DiscordChannel) Send(ctx context.Context, ch *model.NotificationChannel, msg *Message) (string, error) {
	color, _ := strconv.ParseInt(severityColor(msg.Severity), 16, 64)
	payload := discordPayload{
		Content:  msg.Title,
		Username: ch.Config["username"],
		Embeds: []discordEmbed{{
			Title:       msg.RuleName,
			Description: msg.Description,
			Color:       int(color),
			Fields: []discordField{
				{Name: "Severity", Value: nonEmpty(string(msg.Severity)), Inline: true},
				{Name: "Source", Value: nonEmpty(msg.Source), Inline: true},
				{Name: "Device", Value: nonEmpty(msg.Device), Inline: true},
				{Name: "Alert ID", Value: msg.AlertID, Inline: false},
			},
			Timestamp: msg.TriggeredAt.UTC().Format(time.RFC3339),
		}},
	}
	return postJSON(ctx, c.transport, ch.Config["webhook_url"], nil, payload, "discord message posted")
}

// TelegramChannel sends through the Telegram Bot API. Config keys: bot_token,
// chat_id, api_url (optional).
type TelegramChannel struct {
	transport Transport
}

func NewTelegramChannel(transport Transport) *TelegramChannel {
	return &TelegramChannel{transport: transport}
}

func (c *TelegramChannel) Type() model.ChannelType { return model.ChannelTelegram }

func (c *TelegramChannel) Validate(config map[string]string) error {
	return requireKeys(config, "bot_token", "chat_id")
}

type telegramPayload struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (c *TelegramChannel) Send(ctx context.Context, ch *model.NotificationChannel, msg *Message) (string, error) {
	url := fmt.Sprintf("%s/bot%s/sendMessage",
		strings.TrimSuffix(configOr(ch.Config, "api_url", defaultTelegramAPI), "/"),
		ch.Config["bot_token"])
	payload := telegramPayload{
		ChatID:    ch.Config["chat_id"],
		Text:      "<b>" + htmlEscape(msg.Title) + "</b>\n" + htmlEscape(msg.Text()),
		ParseMode: "HTML",
	}
	return postJSON(ctx, c.transport, url, nil, payload, "telegram message sent")
}

func postJSON(ctx context.Context, transport Transport, url string, header map[string]string, payload interface{}, detail string) (string, error) {
	return sendJSON(ctx, transport, "POST", url, header, payload, detail)
}

func sendJSON(ctx context.Context, transport Transport, method, url string, header map[string]string, payload interface{}, detail string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range header {
		h[k] = v
	}
	status, _, err := transport.Do(ctx, &Request{Method: method, URL: url, Header: h, Body: body})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (HTTP %d)", detail, status), nil
}

func nonEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func htmlEscape(s string) string {
	return htmlReplacer.Replace(s)
}
