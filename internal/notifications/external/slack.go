package external

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cliorchestrator/kernel/internal/notifications"
)

// SlackConfig holds configuration for the Slack channel.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
}

// SlackSender posts notifications to a Slack incoming webhook.
type SlackSender struct {
	config SlackConfig
	client *http.Client
}

// NewSlackSender creates a new Slack sender.
func NewSlackSender(config SlackConfig) *SlackSender {
	return &SlackSender{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name reports the channel this sender handles.
func (s *SlackSender) Name() notifications.Channel {
	return notifications.ChannelSlack
}

// Send posts n as a Slack attachment.
func (s *SlackSender) Send(n notifications.Notification) error {
	if s.config.WebhookURL == "" {
		return fmt.Errorf("slack: webhook URL not configured")
	}

	fields := []map[string]interface{}{
		{"title": "Recipient", "value": n.RecipientID, "short": true},
	}
	for k, v := range n.Data {
		fields = append(fields, map[string]interface{}{
			"title": k, "value": fmt.Sprintf("%v", v), "short": false,
		})
	}

	payload := map[string]interface{}{
		"text": n.Subject,
		"attachments": []map[string]interface{}{
			{
				"color":  "warning",
				"title":  n.Subject,
				"text":   n.Body,
				"fields": fields,
				"ts":     time.Now().Unix(),
			},
		},
	}
	if s.config.Channel != "" {
		payload["channel"] = s.config.Channel
	}
	if s.config.Username != "" {
		payload["username"] = s.config.Username
	}
	if s.config.IconEmoji != "" {
		payload["icon_emoji"] = s.config.IconEmoji
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slack: marshal payload: %w", err)
	}

	resp, err := s.client.Post(s.config.WebhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("slack: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
