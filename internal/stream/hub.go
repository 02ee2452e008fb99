// Package stream fans strategy session snapshots out to WebSocket
// subscribers. The hub keeps the latest envelope per session so late
// joiners get immediate state, and re-emits completed snapshots as a
// keep-alive.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/session"
)

// Hub manages WebSocket clients and per-session fan-out. It implements
// session.Publisher.
type Hub struct {
	registry *session.Registry

	mu        sync.RWMutex
	clients   map[*Client]bool
	bySession map[string]map[*Client]bool
	latest    map[string]latestEntry
}

type latestEntry struct {
	Event string
	Data  []byte
	TS    time.Time
}

// envelope is the wire frame for every push.
type envelope struct {
	SessionID string          `json:"session_id"`
	Event     string          `json:"event"` // data, completed, initial_state, error
	Data      json.RawMessage `json:"data"`
	TS        string          `json:"ts"`
}

// NewHub creates a hub resolving sessions through the registry.
func NewHub(registry *session.Registry) *Hub {
	return &Hub{
		registry:  registry,
		clients:   make(map[*Client]bool),
		bySession: make(map[string]map[*Client]bool),
		latest:    make(map[string]latestEntry),
	}
}

// Publish implements session.Publisher: wraps the payload and fans it out
// to the session's subscribers. Slow clients are skipped, they catch up
// through the resume protocol.
func (h *Hub) Publish(sessionID, event string, payload []byte) {
	now := time.Now()
	frame, err := json.Marshal(envelope{
		SessionID: sessionID,
		Event:     event,
		Data:      payload,
		TS:        now.Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Printf("[stream] envelope marshal failed session=%s: %v", sessionID, err)
		return
	}

	h.mu.Lock()
	h.latest[sessionID] = latestEntry{Event: event, Data: frame, TS: now}
	subs := h.bySession[sessionID]
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- frame:
			metrics.SnapshotsPushed.Inc()
		default:
			metrics.SnapshotsDropped.Inc()
		}
	}
}

// Latest returns the last envelope pushed for a session.
func (h *Hub) Latest(sessionID string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[sessionID]
	return e.Data, ok
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(count))
	log.Printf("[stream] ws client connected (%d total)", count)
}

// RemoveClient unregisters a client and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for sid := range c.sessions {
		if subs := h.bySession[sid]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.bySession, sid)
			}
		}
	}
	count := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(count))
	close(c.send)
}

// subscribe attaches a client to a session's feed and returns the latest
// envelope, if any, for immediate replay.
func (h *Hub) subscribe(c *Client, sessionID string) ([]byte, bool) {
	h.mu.Lock()
	subs := h.bySession[sessionID]
	if subs == nil {
		subs = make(map[*Client]bool)
		h.bySession[sessionID] = subs
	}
	subs[c] = true
	c.sessions[sessionID] = true
	e, ok := h.latest[sessionID]
	h.mu.Unlock()
	return e.Data, ok
}

func (h *Hub) unsubscribe(c *Client, sessionID string) {
	h.mu.Lock()
	delete(c.sessions, sessionID)
	if subs := h.bySession[sessionID]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.bySession, sessionID)
		}
	}
	h.mu.Unlock()
}

// Run re-emits the latest completed snapshot of every watched session as
// a keep-alive until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.resendCompleted()
		}
	}
}

func (h *Hub) resendCompleted() {
	h.mu.RLock()
	type pair struct {
		frame   []byte
		targets []*Client
	}
	var out []pair
	for sid, e := range h.latest {
		if e.Event != "completed" {
			continue
		}
		subs := h.bySession[sid]
		if len(subs) == 0 {
			continue
		}
		p := pair{frame: e.Data}
		for c := range subs {
			p.targets = append(p.targets, c)
		}
		out = append(out, p)
	}
	h.mu.RUnlock()

	for _, p := range out {
		for _, c := range p.targets {
			select {
			case c.send <- p.frame:
			default:
			}
		}
	}
}
