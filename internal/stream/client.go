package stream

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is a single WebSocket peer subscribed to one or more sessions.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// sessions this client watches; guarded by the hub's mutex
	sessions map[string]bool
}

type inboundMsg struct {
	Type        string `json:"type"` // SUBSCRIBE, UNSUBSCRIBE
	SessionID   string `json:"session_id"`
	LastEventID string `json:"last_event_id"`
	LastTradeID string `json:"last_trade_id"`
	Ping        int64  `json:"ping"`
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Write coalescing: batch queued frames into one WebSocket
			// message with newline separators
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[stream] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var m inboundMsg
		if json.Unmarshal(msg, &m) != nil {
			continue
		}

		switch m.Type {
		case "SUBSCRIBE":
			if m.SessionID == "" {
				c.sendError("session_id is required")
				continue
			}
			c.handleSubscribe(m)

		case "UNSUBSCRIBE":
			c.hub.unsubscribe(c, m.SessionID)

		default:
			if m.Ping > 0 {
				pong, _ := json.Marshal(map[string]any{
					"type":      "pong",
					"ping":      m.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				c.trySend(pong)
			}
		}
	}
}

// handleSubscribe attaches the client to a session's feed and sends the
// catch-up state: events/trades after the client's cursors, then the
// latest snapshot envelope.
func (c *Client) handleSubscribe(m inboundMsg) {
	latest, hasLatest := c.hub.subscribe(c, m.SessionID)
	log.Printf("[stream] client subscribed: session=%s delta=%v",
		m.SessionID, m.LastEventID != "")

	if s, ok := c.hub.registry.Get(m.SessionID); ok {
		state := s.Catchup(m.LastEventID, m.LastTradeID)
		payload, err := json.Marshal(state)
		if err == nil {
			frame, _ := json.Marshal(envelope{
				SessionID: m.SessionID,
				Event:     "initial_state",
				Data:      payload,
				TS:        time.Now().Format(time.RFC3339Nano),
			})
			c.trySend(frame)
		}
	}

	if hasLatest {
		c.trySend(latest)
	}
}

func (c *Client) sendError(reason string) {
	frame, _ := json.Marshal(map[string]string{
		"event": "error",
		"error": reason,
	})
	c.trySend(frame)
}

func (c *Client) trySend(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}
