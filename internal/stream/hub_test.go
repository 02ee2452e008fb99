package stream

import (
	"encoding/json"
	"testing"
)

func newTestClient(h *Hub) *Client {
	c := &Client{
		send:     make(chan []byte, 8),
		hub:      h,
		sessions: make(map[string]bool),
	}
	h.addClient(c)
	return c
}

func recvFrame(t *testing.T, c *Client) envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return env
	default:
		t.Fatal("no frame queued")
	}
	return envelope{}
}

func TestHub_PublishFansOutPerSession(t *testing.T) {
	h := NewHub(nil)
	c1 := newTestClient(h)
	c2 := newTestClient(h)
	h.subscribe(c1, "sess-a")
	h.subscribe(c2, "sess-b")

	h.Publish("sess-a", "data", []byte(`{"x":1}`))

	env := recvFrame(t, c1)
	if env.SessionID != "sess-a" || env.Event != "data" || string(env.Data) != `{"x":1}` {
		t.Fatalf("envelope = %+v", env)
	}
	if len(c2.send) != 0 {
		t.Fatal("other session's subscriber must not receive the frame")
	}
}

func TestHub_LatestReplaysToLateJoiners(t *testing.T) {
	h := NewHub(nil)
	h.Publish("sess-a", "data", []byte(`{"seq":1}`))
	h.Publish("sess-a", "data", []byte(`{"seq":2}`))

	frame, ok := h.Latest("sess-a")
	if !ok {
		t.Fatal("latest missing")
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatal(err)
	}
	if string(env.Data) != `{"seq":2}` {
		t.Fatalf("latest = %s", env.Data)
	}

	// Subscribing after the fact hands back the same frame for replay.
	c := newTestClient(h)
	replay, ok := h.subscribe(c, "sess-a")
	if !ok || string(replay) != string(frame) {
		t.Fatal("subscribe must return the latest envelope")
	}

	if _, ok := h.Latest("unknown"); ok {
		t.Fatal("unknown session must have no latest")
	}
}

func TestHub_SlowClientIsSkipped(t *testing.T) {
	h := NewHub(nil)
	c := &Client{send: make(chan []byte, 1), hub: h, sessions: make(map[string]bool)}
	h.addClient(c)
	h.subscribe(c, "sess-a")

	h.Publish("sess-a", "data", []byte(`{"seq":1}`))
	h.Publish("sess-a", "data", []byte(`{"seq":2}`)) // queue full, dropped

	env := recvFrame(t, c)
	if string(env.Data) != `{"seq":1}` {
		t.Fatalf("first frame = %s", env.Data)
	}
	if len(c.send) != 0 {
		t.Fatal("overflow frame must be dropped, not queued")
	}

	// The skipped client still catches up through Latest.
	if frame, ok := h.Latest("sess-a"); !ok || frame == nil {
		t.Fatal("latest must survive the drop")
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.subscribe(c, "sess-a")
	h.unsubscribe(c, "sess-a")

	h.Publish("sess-a", "data", []byte(`{}`))
	if len(c.send) != 0 {
		t.Fatal("unsubscribed client must not receive frames")
	}
}

func TestHub_RemoveClientDetachesEverything(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.subscribe(c, "sess-a")
	h.subscribe(c, "sess-b")
	if h.ClientCount() != 1 {
		t.Fatalf("clients = %d", h.ClientCount())
	}

	h.RemoveClient(c)
	if h.ClientCount() != 0 {
		t.Fatal("client must be unregistered")
	}
	if _, open := <-c.send; open {
		t.Fatal("send queue must be closed")
	}
	h.Publish("sess-a", "data", []byte(`{}`)) // must not panic on closed channel

	// Removing twice is a no-op.
	h.RemoveClient(c)
}

func TestHub_ResendsCompletedSnapshots(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.subscribe(c, "sess-a")

	h.Publish("sess-a", "completed", []byte(`{"done":true}`))
	recvFrame(t, c)

	h.resendCompleted()
	env := recvFrame(t, c)
	if env.Event != "completed" {
		t.Fatalf("resent event = %q", env.Event)
	}

	// Running snapshots are not re-emitted.
	h2 := NewHub(nil)
	c2 := newTestClient(h2)
	h2.subscribe(c2, "sess-b")
	h2.Publish("sess-b", "data", []byte(`{}`))
	recvFrame(t, c2)
	h2.resendCompleted()
	if len(c2.send) != 0 {
		t.Fatal("non-completed snapshots must not be resent")
	}
}
