package session

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"strategy-systemv1/internal/fno"
	"strategy-systemv1/internal/graph"
	"strategy-systemv1/internal/model"
	"strategy-systemv1/internal/ticksource"
)

const testStrategy = `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "strategy_name": "cycle",
      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 100}
    }},
    {"id": "ent1", "type": "entryNode", "data": {
      "positions": [{"vpi": "pos-1", "quantity": 1, "multiplier": 1, "positionType": "buy"}]
    }},
    {"id": "xsig1", "type": "exitSignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": "<", "rhs": 95}
    }},
    {"id": "exit1", "type": "exitNode", "data": {
      "exitConfig": {"targetPositionVpi": "pos-1", "quantity": "full"}
    }}
  ],
  "edges": [
    {"source": "s1", "target": "sig1"},
    {"source": "sig1", "target": "ent1"},
    {"source": "ent1", "target": "xsig1"},
    {"source": "xsig1", "target": "exit1"}
  ]
}`

var day = time.Date(2026, 8, 21, 0, 0, 0, 0, model.IST)

func tickAt(h, m, s, ms int, price int64) model.Tick {
	return model.Tick{
		Symbol: "NIFTY", LTP: price, Qty: 1,
		TS: time.Date(2026, 8, 21, h, m, s, ms*int(time.Millisecond), model.IST),
	}
}

// capturePub records every published payload.
type capturePub struct {
	mu       sync.Mutex
	events   []string
	payloads [][]byte
}

func (p *capturePub) Publish(sessionID, event string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
}

func (p *capturePub) last() (string, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return "", nil
	}
	return p.events[len(p.events)-1], p.payloads[len(p.payloads)-1]
}

func newTestSession(t *testing.T, cfg Config, src model.TickSource, pub Publisher) *Session {
	t.Helper()
	if cfg.Strategy == nil {
		cfg.Strategy = []byte(testStrategy)
	}
	if cfg.UserID == "" {
		cfg.UserID = "u1"
	}
	if cfg.StrategyID == "" {
		cfg.StrategyID = "strat-1"
	}
	if cfg.Mode == "" {
		cfg.Mode = graph.ModeBacktest
	}
	if cfg.Date.IsZero() {
		cfg.Date = day
	}
	s, err := New(cfg, Deps{Source: src, Calendar: fno.NewCalendar(), Pub: pub})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func TestSession_BacktestRunsOneTradeCycle(t *testing.T) {
	// Two ticks land in the same second: only the last one drives a graph
	// traversal, so the entry fills at the second print.
	src := ticksource.NewSlice([]model.Tick{
		tickAt(9, 15, 5, 100, 10000),
		tickAt(9, 15, 5, 600, 10100),
		tickAt(9, 15, 6, 0, 9400),
	})
	pub := &capturePub{}
	s := newTestSession(t, Config{}, src, pub)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status() != StatusCompleted {
		t.Fatalf("status = %s", s.Status())
	}

	state := s.Catchup("", "")
	if len(state.Trades) != 1 {
		t.Fatalf("trades = %d", len(state.Trades))
	}
	tr := state.Trades[0]
	if tr.TradeID != "pos-1" || tr.Status != model.TradeClosed {
		t.Fatalf("trade = %s %s", tr.TradeID, tr.Status)
	}
	if tr.EntryPrice != 10100 || tr.ExitPrice != 9400 || tr.RealizedPnL != -700 {
		t.Fatalf("trade prices: entry=%d exit=%d pnl=%d", tr.EntryPrice, tr.ExitPrice, tr.RealizedPnL)
	}

	// History carries only pending/completed records, one per node firing.
	if len(state.Events) != 5 {
		t.Fatalf("events = %d, want 5", len(state.Events))
	}

	event, payload := pub.last()
	if event != "completed" {
		t.Fatalf("final publish = %q", event)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusCompleted || snap.Accumulated.Summary.TotalPnL != -7 {
		t.Fatalf("snapshot status=%s pnl=%v", snap.Status, snap.Accumulated.Summary.TotalPnL)
	}
	if snap.Accumulated.Summary.ClosedTrades != 1 || snap.Accumulated.Summary.OpenPositions != 0 {
		t.Fatalf("summary = %+v", snap.Accumulated.Summary)
	}
	if snap.Progress.CurrentTick != 3 || snap.Progress.Percentage != 100 {
		t.Fatalf("progress = %+v", snap.Progress)
	}
}

func TestSession_SpeedPacesReplay(t *testing.T) {
	// Speed 10 replays one sim-second in 100ms of wall-clock time.
	src := ticksource.NewSlice([]model.Tick{
		tickAt(9, 15, 5, 0, 10000),
		tickAt(9, 15, 6, 0, 10000),
	})
	s := newTestSession(t, Config{Speed: 10}, src, nil)

	start := time.Now()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("replay took %v, want >= 100ms between buckets", elapsed)
	}
}

func TestSession_CatchupCursors(t *testing.T) {
	src := ticksource.NewSlice([]model.Tick{
		tickAt(9, 15, 5, 0, 10100),
		tickAt(9, 15, 6, 0, 9400),
	})
	s := newTestSession(t, Config{}, src, nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	full := s.Catchup("", "")
	if full.IsDelta || len(full.Events) == 0 || len(full.Trades) != 1 {
		t.Fatalf("full state: delta=%v events=%d trades=%d", full.IsDelta, len(full.Events), len(full.Trades))
	}
	if full.LastEventID != full.Events[len(full.Events)-1].ExecID {
		t.Fatal("last event cursor mismatch")
	}

	// A known event cursor yields only what follows it.
	delta := s.Catchup(full.Events[1].ExecID, "")
	if !delta.IsDelta {
		t.Fatal("known cursor must produce a delta")
	}
	if len(delta.Events) != len(full.Events)-2 {
		t.Fatalf("delta events = %d, want %d", len(delta.Events), len(full.Events)-2)
	}
	if delta.Events[0].ExecID != full.Events[2].ExecID {
		t.Fatal("delta must be gap-free from the cursor")
	}

	// A known trade cursor drops already-seen trades.
	both := s.Catchup(full.LastEventID, full.LastTradeID)
	if !both.IsDelta || len(both.Events) != 0 || len(both.Trades) != 0 {
		t.Fatalf("caught-up client: %+v", both)
	}

	// Unknown cursors fall back to the full state.
	unknown := s.Catchup("no-such-exec", "no-such-trade")
	if unknown.IsDelta || len(unknown.Events) != len(full.Events) || len(unknown.Trades) != 1 {
		t.Fatalf("unknown cursor: delta=%v events=%d", unknown.IsDelta, len(unknown.Events))
	}
}

func TestSession_PersistsEventsAndTrades(t *testing.T) {
	root := t.TempDir()
	src := ticksource.NewSlice([]model.Tick{
		tickAt(9, 15, 5, 0, 10100),
		tickAt(9, 15, 6, 0, 9400),
	})
	s := newTestSession(t, Config{PersistRoot: root}, src, nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(root, "2026-08-21", "u1", "strat-1")

	evLines := readLines(t, filepath.Join(dir, "node_events.jsonl"))
	state := s.Catchup("", "")
	if len(evLines) != len(state.Events) {
		t.Fatalf("event lines = %d, history = %d", len(evLines), len(state.Events))
	}
	var first struct {
		ExecID string       `json:"exec_id"`
		Event  *model.Event `json:"event"`
	}
	if err := json.Unmarshal([]byte(evLines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.ExecID == "" || first.Event == nil || first.Event.NodeID != "s1" {
		t.Fatalf("first event line = %+v", first)
	}

	trLines := readLines(t, filepath.Join(dir, "trades.jsonl"))
	if len(trLines) != 1 {
		t.Fatalf("trade lines = %d", len(trLines))
	}
	var tr model.Trade
	if err := json.Unmarshal([]byte(trLines[0]), &tr); err != nil {
		t.Fatal(err)
	}
	if tr.TradeID != "pos-1" || tr.Status != model.TradeClosed || tr.RealizedPnL != -700 {
		t.Fatalf("persisted trade = %+v", tr)
	}
}

func TestPersister_ResumeKeepsEvents(t *testing.T) {
	root := t.TempDir()

	p, err := newPersister(root, day, "u1", "st", false)
	if err != nil {
		t.Fatal(err)
	}
	p.AppendEvent(&model.Event{ExecID: "e1", NodeID: "n1"})
	p.AppendEvent(&model.Event{ExecID: "e2", NodeID: "n2"})
	p.RewriteTrades([]model.Trade{{TradeID: "t1"}})
	p.Close()

	// Resume appends behind the existing history.
	p, err = newPersister(root, day, "u1", "st", true)
	if err != nil {
		t.Fatal(err)
	}
	p.AppendEvent(&model.Event{ExecID: "e3", NodeID: "n3"})
	p.Close()

	dir := filepath.Join(root, "2026-08-21", "u1", "st")
	if got := len(readLines(t, filepath.Join(dir, "node_events.jsonl"))); got != 3 {
		t.Fatalf("resumed event lines = %d, want 3", got)
	}

	// A fresh start truncates events and removes stale trades.
	p, err = newPersister(root, day, "u1", "st", false)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()
	if got := len(readLines(t, filepath.Join(dir, "node_events.jsonl"))); got != 0 {
		t.Fatalf("fresh event lines = %d, want 0", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "trades.jsonl")); !os.IsNotExist(err) {
		t.Fatal("fresh start must remove trades.jsonl")
	}
}

// endlessSource generates a tick per call so the run loop only exits via
// cancellation.
type endlessSource struct {
	ts time.Time
}

func (s *endlessSource) Next() (model.Tick, bool) {
	s.ts = s.ts.Add(time.Second)
	return model.Tick{Symbol: "NIFTY", LTP: 10000, Qty: 1, TS: s.ts}, true
}
func (s *endlessSource) Total() int   { return 0 }
func (s *endlessSource) Close() error { return nil }

func TestSession_StopTransitionsToStopped(t *testing.T) {
	src := &endlessSource{ts: time.Date(2026, 8, 21, 9, 15, 0, 0, model.IST)}
	s := newTestSession(t, Config{}, src, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	for i := 0; i < 100 && s.Status() != StatusRunning; i++ {
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stopped run must not error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after stop")
	}
	if s.Status() != StatusStopped {
		t.Fatalf("status = %s", s.Status())
	}
}

func TestSession_EvaluationErrorFailsSession(t *testing.T) {
	// Ordering comparison on string operands is a strategy spec error and
	// must fail the session, not be swallowed.
	doc := `{
	  "nodes": [
	    {"id": "s1", "type": "startNode", "data": {
	      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]}
	    }},
	    {"id": "sig1", "type": "entrySignalNode", "data": {
	      "conditions": {"lhs": {"type": "string", "value": "a"}, "op": ">", "rhs": {"type": "string", "value": "b"}}
	    }},
	    {"id": "ent1", "type": "entryNode", "data": {
	      "positions": [{"vpi": "pos-1", "quantity": 1, "positionType": "buy"}]
	    }}
	  ],
	  "edges": [
	    {"source": "s1", "target": "sig1"},
	    {"source": "sig1", "target": "ent1"}
	  ]
	}`
	src := ticksource.NewSlice([]model.Tick{tickAt(9, 15, 5, 0, 10000)})
	s := newTestSession(t, Config{Strategy: []byte(doc)}, src, nil)

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("run must surface the evaluation error")
	}
	if s.Status() != StatusError {
		t.Fatalf("status = %s", s.Status())
	}
}

func TestSession_EventUpsertReplacesPending(t *testing.T) {
	src := ticksource.NewSlice(nil)
	s := newTestSession(t, Config{}, src, nil)

	s.onEvent(model.Event{ExecID: "x1", NodeID: "ent1", Kind: model.EventPending})
	s.onEvent(model.Event{ExecID: "x1", NodeID: "ent1", Kind: model.EventLogicCompleted})
	s.onEvent(model.Event{ExecID: "x2", NodeID: "sig1", Kind: model.EventActive})

	state := s.Catchup("", "")
	if len(state.Events) != 1 {
		t.Fatalf("history = %d, want 1 (upsert by exec id, active excluded)", len(state.Events))
	}
	if state.Events[0].Kind != model.EventLogicCompleted {
		t.Fatalf("kind = %s, want completion to replace pending", state.Events[0].Kind)
	}

	s.mu.Lock()
	deltas := len(s.deltaEvents)
	s.mu.Unlock()
	if deltas != 3 {
		t.Fatalf("delta events = %d, want 3 (active rides the delta)", deltas)
	}
}

func TestSessionID_Stable(t *testing.T) {
	a := ID("u1", "st1", day)
	b := ID("u1", "st1", day.Add(4*time.Hour))
	if a != b || a != "u1:st1:2026-08-21" {
		t.Fatalf("id = %q / %q", a, b)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}
