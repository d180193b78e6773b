package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/bosley/hearth/notify"
	"github.com/bosley/hearth/surface"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

// Hub broadcasts surface events and notifications to websocket subscribers.
// It satisfies surface.Publisher and notify.Notifier.
type Hub struct {
	subscribers *SubscriberList
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: NewSubscriberList(),
		upgrader: websocket.Upgrader{
			// The control API binds to loopback by default.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "hub"),
	}
}

func (h *Hub) Publish(e surface.Event) {
	h.broadcast(string(e.Type), e.Payload)
}

func (h *Hub) Notify(n notify.Notification) {
	h.broadcast("notification", n)
}

func (h *Hub) Subscribers() int {
	return h.subscribers.Len()
}

func (h *Hub) broadcast(msgType string, payload any) {
	data, err := json.Marshal(WebSocketMessage{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("Failed to encode event", "error", err, "type", msgType)
		return
	}

	h.subscribers.Each(func(sub *subscriber) {
		select {
		case sub.send <- data:
		default:
			h.logger.Warn("Subscriber send buffer full, dropping event",
				"subscriberID", sub.ID,
				"type", msgType)
		}
	})
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		ID:   uuid.New(),
		Addr: r.RemoteAddr,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.subscribers.Add(sub)
	h.logger.Info("Subscriber connected", "subscriberID", sub.ID, "addr", sub.Addr)

	go h.writePump(sub)
	go h.readPump(sub)
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := sub.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; subscribers do not send commands
// over the socket.
func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.subscribers.Remove(sub.ID)
		sub.close()
		h.logger.Info("Subscriber disconnected", "subscriberID", sub.ID)
	}()

	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	var subs []*subscriber
	h.subscribers.Each(func(sub *subscriber) {
		subs = append(subs, sub)
	})
	// A subscriber leaves the list before its send channel is closed.
	for _, sub := range subs {
		h.subscribers.Remove(sub.ID)
		sub.close()
	}
}
