package external

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cliorchestrator/kernel/internal/notifications"
)

// SMSConfig holds configuration for the SMS channel. GatewayURL is a
// provider's send-message endpoint (Twilio-style form POST); numbers maps
// a recipient id to the phone number it resolves to.
type SMSConfig struct {
	GatewayURL string
	APIKey     string
	From       string
	Numbers    map[string]string
}

// SMSSender posts a short message to an SMS gateway's HTTP API.
type SMSSender struct {
	config SMSConfig
	client *http.Client
}

// NewSMSSender creates a new SMS sender.
func NewSMSSender(config SMSConfig) *SMSSender {
	return &SMSSender{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name reports the channel this sender handles.
func (s *SMSSender) Name() notifications.Channel {
	return notifications.ChannelSMS
}

// Send posts n's subject and body, truncated to a single message, to the
// configured gateway for the recipient's phone number.
func (s *SMSSender) Send(n notifications.Notification) error {
	if s.config.GatewayURL == "" {
		return fmt.Errorf("sms: gateway URL not configured")
	}
	to, ok := s.config.Numbers[n.RecipientID]
	if !ok || to == "" {
		return fmt.Errorf("sms: no phone number on file for recipient %q", n.RecipientID)
	}

	text := n.Subject
	if n.Body != "" {
		text = text + ": " + n.Body
	}
	if len(text) > 160 {
		text = text[:157] + "..."
	}

	form := url.Values{
		"From": {s.config.From},
		"To":   {to},
		"Body": {text},
	}

	req, err := http.NewRequest(http.MethodPost, s.config.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms: gateway returned status %d", resp.StatusCode)
	}
	return nil
}
