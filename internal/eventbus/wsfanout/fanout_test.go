package wsfanout

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cliorchestrator/kernel/internal/eventbus"
	"github.com/gorilla/websocket"
)

func TestHubForwardsEventsToClients(t *testing.T) {
	bus := eventbus.NewBus(nil)
	hub := NewHub(bus, "all", nil)
	go hub.Run()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Give the hub a moment to register the client before publishing.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Publish(eventbus.NewEvent(eventbus.EventTaskQueued, "dispatcher", "all", eventbus.PriorityNormal, map[string]interface{}{
		"task_id": "task-1",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var received eventbus.Event
	if err := json.Unmarshal(data, &received); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if received.Type != eventbus.EventTaskQueued {
		t.Errorf("Type = %v, want %v", received.Type, eventbus.EventTaskQueued)
	}
	if received.Payload["task_id"] != "task-1" {
		t.Errorf("Payload.task_id = %v, want task-1", received.Payload["task_id"])
	}
}

func TestHubClientCountDropsOnDisconnect(t *testing.T) {
	bus := eventbus.NewBus(nil)
	hub := NewHub(bus, "all", nil)
	go hub.Run()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was never dropped after disconnect")
		}
		time.Sleep(time.Millisecond)
	}
}
