package external

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cliorchestrator/kernel/internal/notifications"
)

func TestWebhookSenderUnknownRecipient(t *testing.T) {
	s := NewWebhookSender(WebhookConfig{})
	if err := s.Send(notifications.Notification{RecipientID: "ghost"}); err == nil {
		t.Fatal("expected error for recipient with no endpoint on file")
	}
}

func TestWebhookSenderPostsJSON(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Kernel-Auth")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{
		Endpoints: map[string]string{"ops": srv.URL},
		Headers:   map[string]string{"X-Kernel-Auth": "secret"},
	})

	if err := s.Send(notifications.Notification{RecipientID: "ops", Subject: "alert"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader != "secret" {
		t.Fatalf("expected custom header to be sent, got %q", gotHeader)
	}
}

func TestWebhookSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{Endpoints: map[string]string{"ops": srv.URL}})
	if err := s.Send(notifications.Notification{RecipientID: "ops"}); err == nil {
		t.Fatal("expected error on 5xx response")
	}
}
