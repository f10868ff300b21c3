package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Artfain/uav-ledger/core"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 180 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Message is the frame pushed to feed subscribers.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the feed is read only
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub fans committed blocks out to websocket subscribers. Subscribers are keyed by the
// device they follow; the empty key receives every block.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]bool
	log  *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs: make(map[string]map[*subscriber]bool),
		log:  log.With(slog.String("component", "ws")),
	}
}

// OnBlock queues b for every interested subscriber. Subscribers that fall behind are
// disconnected.
func (h *Hub) OnBlock(b core.Block) {
	data, err := json.Marshal(b)
	if err != nil {
		h.log.Error("Failed to encode block", "index", b.Index, "error", err)
		return
	}
	msg, err := json.Marshal(Message{Type: "block", Data: data})
	if err != nil {
		h.log.Error("Failed to encode message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	targets := make(map[*subscriber]string)
	keys := []string{""}
	for _, tx := range b.Transactions {
		keys = append(keys, tx.DeviceID)
	}
	for _, key := range keys {
		for sub := range h.subs[key] {
			targets[sub] = key
		}
	}
	for sub, key := range targets {
		select {
		case sub.send <- msg:
		default:
			h.log.Warn("Dropping slow subscriber", "uav_id", key)
			h.removeLocked(key, sub)
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, conns := range h.subs {
		n += len(conns)
	}
	return n
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, conns := range h.subs {
		for sub := range conns {
			h.removeLocked(key, sub)
		}
	}
}

func (h *Hub) add(key string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscriber]bool)
	}
	h.subs[key][sub] = true
}

func (h *Hub) remove(key string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(key, sub)
}

func (h *Hub) removeLocked(key string, sub *subscriber) {
	if conns, exists := h.subs[key]; exists {
		delete(conns, sub)
		if len(conns) == 0 {
			delete(h.subs, key)
		}
	}
	sub.close()
}

// ServeWS upgrades the request and streams blocks until the client goes away. The
// optional uav_id query parameter restricts the feed to blocks touching that device.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Error upgrading to WebSocket", "error", err)
		return
	}
	key := r.URL.Query().Get("uav_id")
	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	h.add(key, sub)
	h.log.Debug("Subscriber connected", "uav_id", key)

	go h.writePump(sub)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("WebSocket closed by client", "uav_id", key)
			} else {
				h.log.Debug("Error reading message", "error", err)
			}
			break
		}
	}
	h.remove(key, sub)
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("Error writing message", "error", err)
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Debug("Error sending ping", "error", err)
				return
			}
		}
	}
}
