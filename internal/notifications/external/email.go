package external

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/cliorchestrator/kernel/internal/notifications"
)

// EmailConfig holds SMTP configuration for the email channel.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	// Recipients maps a recipient id (as used in Notification.RecipientID)
	// to the address it resolves to.
	Recipients map[string]string
}

// EmailSender sends notifications over SMTP.
type EmailSender struct {
	config EmailConfig
}

// NewEmailSender creates a new email sender.
func NewEmailSender(config EmailConfig) *EmailSender {
	return &EmailSender{config: config}
}

// Name reports the channel this sender handles.
func (e *EmailSender) Name() notifications.Channel {
	return notifications.ChannelEmail
}

// Send delivers n by SMTP to the address n.RecipientID resolves to.
func (e *EmailSender) Send(n notifications.Notification) error {
	if e.config.SMTPHost == "" {
		return fmt.Errorf("email: SMTP host not configured")
	}
	if e.config.From == "" {
		return fmt.Errorf("email: from address not configured")
	}
	to, ok := e.config.Recipients[n.RecipientID]
	if !ok || to == "" {
		return fmt.Errorf("email: no address on file for recipient %q", n.RecipientID)
	}

	message := e.buildMessage(to, n)

	addr := fmt.Sprintf("%s:%d", e.config.SMTPHost, e.config.SMTPPort)
	var auth smtp.Auth
	if e.config.Username != "" && e.config.Password != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, e.config.From, []string{to}, []byte(message)); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

func (e *EmailSender) buildMessage(to string, n notifications.Notification) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", e.config.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", n.Subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(n.Body)
	for k, v := range n.Data {
		msg.WriteString(fmt.Sprintf("\n%s: %v", k, v))
	}
	return msg.String()
}
