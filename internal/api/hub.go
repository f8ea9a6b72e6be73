package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/batch"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type EventMessage struct {
	Type     string          `json:"type"`
	Progress *batch.Progress `json:"progress,omitempty"`
}

// Hub fans batch progress out to websocket clients. Progress is buffered so
// a slow client never stalls the batch.
type Hub struct {
	logger *logrus.Logger
	events chan batch.Progress

	connsLock sync.Mutex
	conns     map[*websocket.Conn]struct{}
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger,
		events: make(chan batch.Progress, 256),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Observer is registered with the batch manager.
func (h *Hub) Observer() batch.Observer {
	return func(p batch.Progress) {
		select {
		case h.events <- p:
		default:
			h.logger.Debugf("Dropping progress event for batch %s", p.ID)
		}
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case p := <-h.events:
			h.broadcast(EventMessage{Type: "progress", Progress: &p})
		}
	}
}

func (h *Hub) Clients() int {
	h.connsLock.Lock()
	defer h.connsLock.Unlock()
	return len(h.conns)
}

func (h *Hub) broadcast(msg EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorf("Failed to marshal event: %v", err)
		return
	}

	h.connsLock.Lock()
	defer h.connsLock.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debugf("Failed to write to client: %v", err)
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, msg EventMessage) error {
	h.connsLock.Lock()
	defer h.connsLock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg)
}

func (h *Hub) closeAll() {
	h.connsLock.Lock()
	defer h.connsLock.Unlock()
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
}

// Serve upgrades the request and streams events until the client leaves.
// The current progress, if any, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, current *batch.Progress) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("Failed to upgrade connection: %v", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	h.connsLock.Lock()
	h.conns[conn] = struct{}{}
	h.connsLock.Unlock()

	defer func() {
		h.connsLock.Lock()
		delete(h.conns, conn)
		h.connsLock.Unlock()
		conn.Close()
	}()

	if current != nil {
		if err := h.send(conn, EventMessage{Type: "progress", Progress: current}); err != nil {
			return
		}
	}

	for {
		var msg EventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debugf("Websocket read error: %v", err)
			}
			return
		}
		if msg.Type == "ping" {
			if err := h.send(conn, EventMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}
