package external

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cliorchestrator/kernel/internal/notifications"
)

// WebhookConfig holds configuration for the generic webhook channel.
type WebhookConfig struct {
	// Endpoints maps a recipient id to the URL its webhook posts land on.
	Endpoints map[string]string
	Headers   map[string]string
}

// WebhookSender posts a JSON envelope to a recipient-specific URL.
type WebhookSender struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookSender creates a new webhook sender.
func NewWebhookSender(config WebhookConfig) *WebhookSender {
	return &WebhookSender{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name reports the channel this sender handles.
func (w *WebhookSender) Name() notifications.Channel {
	return notifications.ChannelWebhook
}

// Send posts n as a JSON body to the recipient's configured endpoint.
func (w *WebhookSender) Send(n notifications.Notification) error {
	url, ok := w.config.Endpoints[n.RecipientID]
	if !ok || url == "" {
		return fmt.Errorf("webhook: no endpoint on file for recipient %q", n.RecipientID)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
