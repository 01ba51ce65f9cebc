package external

import (
	"testing"

	"github.com/cliorchestrator/kernel/internal/notifications"
)

func TestWebSocketSenderNoConnection(t *testing.T) {
	s := NewWebSocketSender()
	if err := s.Send(notifications.Notification{RecipientID: "alice"}); err == nil {
		t.Fatal("expected error with no live connection registered")
	}
}

func TestWebSocketSenderName(t *testing.T) {
	s := NewWebSocketSender()
	if s.Name() != notifications.ChannelWebSocket {
		t.Fatalf("expected channel websocket, got %s", s.Name())
	}
}
