package external

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cliorchestrator/kernel/internal/notifications"
)

func TestEmailSenderName(t *testing.T) {
	s := NewEmailSender(EmailConfig{})
	if s.Name() != notifications.ChannelEmail {
		t.Fatalf("expected channel email, got %s", s.Name())
	}
}

func TestEmailSenderRequiresConfig(t *testing.T) {
	s := NewEmailSender(EmailConfig{})
	err := s.Send(notifications.Notification{RecipientID: "alice", Subject: "hi"})
	if err == nil {
		t.Fatal("expected error with no SMTP host configured")
	}
}

func TestEmailSenderUnknownRecipient(t *testing.T) {
	s := NewEmailSender(EmailConfig{
		SMTPHost: "localhost", SMTPPort: 2525, From: "kernel@example.com",
		Recipients: map[string]string{"alice": "alice@example.com"},
	})
	err := s.Send(notifications.Notification{RecipientID: "bob", Subject: "hi"})
	if err == nil {
		t.Fatal("expected error for recipient with no address on file")
	}
}

// fakeSMTPServer accepts one connection and plays the minimal SMTP
// handshake needed for net/smtp.SendMail to complete successfully.
func fakeSMTPServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		writer := conn

		fmt.Fprintf(writer, "220 localhost ESMTP\r\n")
		inData := false
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			if inData {
				if strings.TrimRight(line, "\r\n") == "." {
					fmt.Fprintf(writer, "250 OK\r\n")
					inData = false
				}
				continue
			}
			upper := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
				fmt.Fprintf(writer, "250 localhost\r\n")
			case strings.HasPrefix(upper, "MAIL FROM"):
				fmt.Fprintf(writer, "250 OK\r\n")
			case strings.HasPrefix(upper, "RCPT TO"):
				fmt.Fprintf(writer, "250 OK\r\n")
			case strings.HasPrefix(upper, "DATA"):
				fmt.Fprintf(writer, "354 Start mail input\r\n")
				inData = true
			case strings.HasPrefix(upper, "QUIT"):
				fmt.Fprintf(writer, "221 Bye\r\n")
				return
			default:
				fmt.Fprintf(writer, "250 OK\r\n")
			}
		}
	}()
	return ln.Addr().String()
}

func TestEmailSenderSendsMessage(t *testing.T) {
	addr := fakeSMTPServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	s := NewEmailSender(EmailConfig{
		SMTPHost: host, SMTPPort: port, From: "kernel@example.com",
		Recipients: map[string]string{"alice": "alice@example.com"},
	})

	if err := s.Send(notifications.Notification{
		RecipientID: "alice", Subject: "approval needed", Body: "deploy pending",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
