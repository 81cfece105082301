// Package alerts fans alerts out to notification channels according to
// their severity.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/slack-go/slack"
	gomail "gopkg.in/gomail.v2"

	"github.com/libresiem/libresiem/pkg/config"
	"github.com/libresiem/libresiem/pkg/models"
	"github.com/libresiem/libresiem/pkg/soar"
)

// Notifier delivers an alert over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *models.Alert) error
}

// severityColors are the embed accent colors used by Discord and Slack.
var severityColors = map[string]string{
	models.SeverityCritical: "#e01e5a",
	models.SeverityHigh:     "#ff7a00",
	models.SeverityMedium:   "#f2c744",
	models.SeverityLow:      "#36a64f",
}

func colorFor(severity string) string {
	if c, ok := severityColors[severity]; ok {
		return c
	}
	return severityColors[models.SeverityLow]
}

var emailBody = template.Must(template.New("email").Parse(`
<h2>{{.Title}}</h2>
<p>{{.Description}}</p>
<table>
  <tr><td><b>Rule</b></td><td>{{.RuleName}} ({{.RuleID}})</td></tr>
  <tr><td><b>Severity</b></td><td>{{.Severity}}</td></tr>
  <tr><td><b>Time</b></td><td>{{.Timestamp}}</td></tr>
  {{if .SourceEvent}}<tr><td><b>Source</b></td><td>{{.SourceEvent.Source}}</td></tr>{{end}}
</table>
`))

// EmailNotifier sends HTML mail over SMTP.
type EmailNotifier struct {
	dialer *gomail.Dialer
	from   string
	to     []string
}

// NewEmailNotifier builds the notifier from SMTP settings.
func NewEmailNotifier(cfg config.NotificationSettings) *EmailNotifier {
	return &EmailNotifier{
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
		from:   cfg.EmailFrom,
		to:     strings.Split(cfg.EmailTo, ","),
	}
}

func (n *EmailNotifier) Name() string { return "email" }

// Notify implements Notifier.
func (n *EmailNotifier) Notify(_ context.Context, alert *models.Alert) error {
	var body bytes.Buffer
	if err := emailBody.Execute(&body, alert); err != nil {
		return fmt.Errorf("rendering alert email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.to...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), alert.Title))
	m.SetBody("text/html", body.String())

	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}

// SlackNotifier posts alerts as block messages.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds the notifier from a bot token and channel.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel}
}

func (n *SlackNotifier) Name() string { return "slack" }

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType,
			fmt.Sprintf(":rotating_light: %s", alert.Title), true, false))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Severity:*\n%s", alert.Severity), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Rule:*\n%s", alert.RuleName), false, false),
	}
	if alert.SourceEvent != nil {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Source:*\n%s", alert.SourceEvent.Source), false, false))
	}
	section := slack.NewSectionBlock(nil, fields, nil)

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionBlocks(header, section),
		slack.MsgOptionText(alert.Title, false),
	)
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}
	return nil
}

// DiscordNotifier posts alerts to a Discord webhook as an embed.
type DiscordNotifier struct {
	client     *http.Client
	webhookURL string
}

// NewDiscordNotifier builds the notifier for the webhook URL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{client: &http.Client{}, webhookURL: webhookURL}
}

func (n *DiscordNotifier) Name() string { return "discord" }

// Notify implements Notifier.
func (n *DiscordNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	color := colorFor(alert.Severity)
	var colorInt int
	fmt.Sscanf(strings.TrimPrefix(color, "#"), "%06x", &colorInt)

	payload, err := json.Marshal(map[string]any{
		"embeds": []map[string]any{{
			"title":       alert.Title,
			"description": alert.Description,
			"color":       colorInt,
			"fields": []map[string]any{
				{"name": "Severity", "value": alert.Severity, "inline": true},
				{"name": "Rule", "value": alert.RuleName, "inline": true},
			},
			"timestamp": alert.Timestamp,
		}},
	})
	if err != nil {
		return fmt.Errorf("encoding discord embed: %w", err)
	}
	return n.post(ctx, n.webhookURL, "application/json", payload)
}

func (n *DiscordNotifier) post(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert to discord: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned %d", resp.StatusCode)
	}
	return nil
}

// TelegramNotifier sends alerts through the Telegram bot API.
type TelegramNotifier struct {
	client *http.Client
	apiURL string
	chatID string
}

// NewTelegramNotifier builds the notifier for the bot token and chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		client: &http.Client{},
		apiURL: "https://api.telegram.org/bot" + botToken + "/sendMessage",
		chatID: chatID,
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify implements Notifier.
func (n *TelegramNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	text := fmt.Sprintf("*%s*\nSeverity: %s\nRule: %s",
		alert.Title, alert.Severity, alert.RuleName)

	form := url.Values{
		"chat_id":    {n.chatID},
		"text":       {text},
		"parse_mode": {"Markdown"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// WebhookNotifier posts the raw alert JSON to a configured endpoint,
// signed when a secret is set.
type WebhookNotifier struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhookNotifier builds the notifier.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{client: &http.Client{}, url: url, secret: secret}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-LibreSIEM-Signature", soar.SignPayload(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
