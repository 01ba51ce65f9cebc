package external

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cliorchestrator/kernel/internal/notifications"
	"github.com/gorilla/websocket"
)

const sendBufferSize = 64

// wsClient wraps one recipient's live connection with a buffered send
// channel, same shape as the dashboard hub's client/writePump pair.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketSender delivers notifications to whichever live connections are
// currently registered for a recipient id. A recipient with no open
// connection gets an error back (nothing to retry against but the
// dispatcher's own backoff, which will retry up to 3 times after the
// first attempt).
type WebSocketSender struct {
	mu      sync.RWMutex
	clients map[string][]*wsClient
}

// NewWebSocketSender creates an empty WebSocketSender; connections attach
// via Register as they're accepted by the HTTP upgrade handler.
func NewWebSocketSender() *WebSocketSender {
	return &WebSocketSender{clients: make(map[string][]*wsClient)}
}

// Name reports the channel this sender handles.
func (w *WebSocketSender) Name() notifications.Channel {
	return notifications.ChannelWebSocket
}

// Register attaches conn as a live destination for recipientID and starts
// its write pump. Call Unregister (typically from the read pump's
// deferred cleanup) once the connection closes.
func (w *WebSocketSender) Register(recipientID string, conn *websocket.Conn) {
	c := &wsClient{conn: conn, send: make(chan []byte, sendBufferSize)}
	w.mu.Lock()
	w.clients[recipientID] = append(w.clients[recipientID], c)
	w.mu.Unlock()
	go c.writePump()
}

// Unregister detaches conn from recipientID and closes its send channel.
func (w *WebSocketSender) Unregister(recipientID string, conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	clients := w.clients[recipientID]
	for i, c := range clients {
		if c.conn == conn {
			close(c.send)
			w.clients[recipientID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(w.clients[recipientID]) == 0 {
		delete(w.clients, recipientID)
	}
}

// Send fans n out to every connection currently registered for
// n.RecipientID.
func (w *WebSocketSender) Send(n notifications.Notification) error {
	w.mu.RLock()
	clients := w.clients[n.RecipientID]
	w.mu.RUnlock()
	if len(clients) == 0 {
		return fmt.Errorf("websocket: no live connection for recipient %q", n.RecipientID)
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("websocket: marshal payload: %w", err)
	}

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			return fmt.Errorf("websocket: send buffer full for recipient %q", n.RecipientID)
		}
	}
	return nil
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
