package stream

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Sessions are addressed by id and carry no credentials; origin
	// enforcement belongs to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and registers the client. An optional
// session_id query parameter subscribes immediately, with last_event_id /
// last_trade_id as resume cursors.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] ws upgrade failed: %v", err)
		return
	}
	conn.EnableWriteCompression(true)

	c := &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      h,
		sessions: make(map[string]bool),
	}
	h.addClient(c)

	go c.writePump()
	go c.readPump()

	q := r.URL.Query()
	if sid := q.Get("session_id"); sid != "" {
		c.handleSubscribe(inboundMsg{
			SessionID:   sid,
			LastEventID: q.Get("last_event_id"),
			LastTradeID: q.Get("last_trade_id"),
		})
	}
}

// HandleInitialState is the one-shot REST catch-up:
// GET /api/sessions/initial-state?session_id=&last_event_id=&last_trade_id=
func (h *Hub) HandleInitialState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("session_id")
	if sid == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}

	s, ok := h.registry.Get(sid)
	if !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	state := s.Catchup(q.Get("last_event_id"), q.Get("last_trade_id"))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		log.Printf("[stream] initial-state encode failed session=%s: %v", sid, err)
	}
}
