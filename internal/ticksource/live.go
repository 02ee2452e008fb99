package ticksource

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/model"
	"strategy-systemv1/internal/ringbuf"
)

// LiveConfig configures the websocket tick feed.
type LiveConfig struct {
	// URL of the tick feed, e.g. "ws://localhost:9001/ws". Messages are
	// JSON model.Tick frames.
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// Buffer is the ring capacity between the feed goroutine and the
	// session scheduler. Defaults to 4096.
	Buffer int
}

func (c *LiveConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.Buffer == 0 {
		c.Buffer = 4096
	}
}

// Live streams ticks from a websocket feed. The read goroutine pushes
// into an SPSC ring; Next pops from it and blocks (with a short poll)
// until a tick arrives or the feed is closed. Reconnects automatically
// with exponential backoff until Close or context cancellation.
type Live struct {
	cfg    LiveConfig
	ring   *ringbuf.Ring
	closed atomic.Bool
	cancel context.CancelFunc
}

// OpenLive validates the URL and starts the feed goroutine.
func OpenLive(ctx context.Context, cfg LiveConfig) (*Live, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Live{
		cfg:    cfg,
		ring:   ringbuf.New(cfg.Buffer),
		cancel: cancel,
	}
	go l.run(ctx)
	return l, nil
}

func (l *Live) run(ctx context.Context) {
	defer l.closed.Store(true)
	delay := l.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := l.runOnce(ctx)
		if err == nil {
			return
		}

		log.Printf("[ticksource] feed disconnected (%v), reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > l.cfg.MaxReconnectDelay {
			delay = l.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel.
func (l *Live) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[ticksource] connected to %s", l.cfg.URL)

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var tick model.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			log.Printf("[ticksource] parse error: %v (raw: %s)", err, raw)
			continue
		}
		if tick.Symbol == "" {
			continue
		}
		if tick.TS.IsZero() {
			tick.TS = time.Now().In(model.IST)
		}

		if !l.ring.Push(tick) {
			metrics.DroppedTicks.Inc()
		}
	}
}

// Next blocks until a tick is available or the feed is closed.
func (l *Live) Next() (model.Tick, bool) {
	for {
		if t, ok := l.ring.Pop(); ok {
			return t, true
		}
		if l.closed.Load() {
			// Drain race: a final tick may land between Pop and the
			// closed check.
			if t, ok := l.ring.Pop(); ok {
				return t, true
			}
			return model.Tick{}, false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Total is unknown for a live feed.
func (l *Live) Total() int { return 0 }

// Close stops the feed goroutine; Next returns false once the ring drains.
func (l *Live) Close() error {
	l.cancel()
	return nil
}
