package canguard

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/websocket/v2"
)

// AlertHub fans alerts out to connected websocket clients. It implements
// AlertSink, so registering it wires the live feed into the same dispatch
// path as every other channel.
type AlertHub struct {
	mu      sync.RWMutex
	clients map[*hubClient]bool
}

type hubClient struct {
	send chan []byte
}

func NewAlertHub() *AlertHub {
	return &AlertHub{clients: make(map[*hubClient]bool)}
}

func (h *AlertHub) Name() string { return "websocket" }

// Send broadcasts the alert to every client. A client whose buffer is full
// is dropped rather than waited on.
func (h *AlertHub) Send(_ context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
	return nil
}

// ClientCount reports connected clients, for status endpoints.
func (h *AlertHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve pumps alerts to one websocket connection until it closes. Intended
// for use with websocket.New on the ops API.
func (h *AlertHub) Serve(conn *websocket.Conn) {
	client := &hubClient{send: make(chan []byte, 16)}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.clients[client] {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain reads so close frames are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for payload := range client.send {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
