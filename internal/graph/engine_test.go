package graph

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"strategy-systemv1/internal/broker"
	"strategy-systemv1/internal/candle"
	"strategy-systemv1/internal/fno"
	"strategy-systemv1/internal/gps"
	"strategy-systemv1/internal/indicator"
	"strategy-systemv1/internal/ltp"
	"strategy-systemv1/internal/model"
)

func ts(h, m, s int) time.Time {
	return time.Date(2026, 8, 21, h, m, s, 0, model.IST)
}

// rig wires an engine against in-memory market state for backtest-mode
// traversal tests.
type rig struct {
	t       *testing.T
	eng     *Engine
	quotes  *ltp.Store
	candles *candle.Builder
	pos     *gps.Store
	events  []model.Event
}

func newRig(t *testing.T, doc string) *rig {
	return newRigMode(t, doc, ModeBacktest, nil)
}

func newRigMode(t *testing.T, doc string, mode Mode, gw model.OrderGateway) *rig {
	t.Helper()
	g, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := &rig{t: t}
	r.quotes = ltp.New()
	ind := indicator.NewEngine()
	r.candles = candle.New(ind.OnCandleComplete)
	r.pos = gps.New("")
	svc := Services{
		Quotes:     r.quotes,
		Candles:    r.candles,
		Indicators: ind,
		Positions:  r.pos,
		Resolver:   fno.New(fno.NewCalendar()),
		Gateway:    gw,
	}
	r.eng = NewEngine(g, svc, mode, "strat-1", 1, func(ev model.Event) {
		r.events = append(r.events, ev)
	})
	r.eng.RegisterMarketData()
	return r
}

func (r *rig) tick(at time.Time, sym string, price int64) {
	r.t.Helper()
	tk := model.Tick{Symbol: sym, LTP: price, Qty: 1, TS: at}
	r.quotes.Update(tk)
	r.candles.OnTick(tk)
	if err := r.eng.OnTick(context.Background(), tk); err != nil {
		r.t.Fatalf("OnTick at %v: %v", at, err)
	}
}

func (r *rig) eventsFor(nodeID string) []model.Event {
	var out []model.Event
	for _, ev := range r.events {
		if ev.NodeID == nodeID {
			out = append(out, ev)
		}
	}
	return out
}

func lastOfKind(events []model.Event, kind model.EventKind) *model.Event {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return &events[i]
		}
	}
	return nil
}

const cycleDoc = `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "strategy_name": "ltp-cycle",
      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 100},
      "variables": [{"name": "sig_px", "expression": {"type": "ltp"}}]
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

func TestEngine_EntryExitCycle(t *testing.T) {
	r := newRig(t, cycleDoc)

	// 100.00 does not satisfy ltp > 100; start completes and the entry
	// signal goes active.
	r.tick(ts(9, 15, 5), "NIFTY", 10000)
	if got := len(r.eventsFor("s1")); got != 1 {
		t.Fatalf("start events = %d", got)
	}
	if ev := lastOfKind(r.eventsFor("sig1"), model.EventActive); ev == nil {
		t.Fatal("unsatisfied signal must emit an active event")
	}
	if len(r.pos.All()) != 0 {
		t.Fatal("no position before the signal fires")
	}

	// 101.00 fires the signal and the entry fills on the same tick.
	r.tick(ts(9, 15, 6), "NIFTY", 10100)
	pos := r.pos.Get("pos-1")
	if pos == nil || pos.OpenTransaction() == nil {
		t.Fatal("position must be open after the entry fill")
	}
	if pos.EntryPrice != 10100 || pos.Side != "BUY" || pos.PositionNum != 1 {
		t.Fatalf("entry = %d %s num=%d", pos.EntryPrice, pos.Side, pos.PositionNum)
	}
	if v, ok := r.pos.NodeVar("sig1", "sig_px"); !ok || v != 101 {
		t.Fatalf("sig_px = %v ok=%v", v, ok)
	}

	// Exec chain: the entry event's parent is the signal's firing event.
	sigFired := lastOfKind(r.eventsFor("sig1"), model.EventLogicCompleted)
	entFilled := lastOfKind(r.eventsFor("ent1"), model.EventLogicCompleted)
	if sigFired == nil || entFilled == nil {
		t.Fatal("missing completed events for signal/entry")
	}
	if entFilled.ParentExecID != sigFired.ExecID {
		t.Fatalf("entry parent = %s, want signal exec %s", entFilled.ParentExecID, sigFired.ExecID)
	}

	// Signal stays latched while the position is open: no second entry.
	r.tick(ts(9, 15, 7), "NIFTY", 10100)
	if n := len(r.pos.Get("pos-1").Transactions); n != 1 {
		t.Fatalf("transactions = %d, want 1 (latched signal must not re-fire)", n)
	}

	// 94.00 fires the exit signal; the exit closes on the same tick.
	r.tick(ts(9, 15, 8), "NIFTY", 9400)
	pos = r.pos.Get("pos-1")
	if pos.OpenTransaction() != nil {
		t.Fatal("position must be closed")
	}
	if pos.ExitPrice != 9400 || pos.RealizedPnL != -700 {
		t.Fatalf("exit = %d pnl = %d", pos.ExitPrice, pos.RealizedPnL)
	}

	// The position has cycled, so the entry signal re-arms and a second
	// position opens.
	r.tick(ts(9, 15, 9), "NIFTY", 10100)
	pos = r.pos.Get("pos-1")
	if pos.PositionNum != 2 || pos.OpenTransaction() == nil {
		t.Fatalf("re-armed entry: num=%d open=%v", pos.PositionNum, pos.OpenTransaction() != nil)
	}
}

const sameTickDoc = `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 100}
    }},
    {"id": "ent1", "type": "entryNode", "data": {
      "positions": [{"vpi": "pos-1", "quantity": 1, "multiplier": 1, "positionType": "buy"}]
    }},
    {"id": "xsig1", "type": "exitSignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 100}
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

func TestEngine_SameTickExitDefers(t *testing.T) {
	r := newRig(t, sameTickDoc)

	// Entry and exit signals are both satisfied at 101.00: the entry fills
	// but the exit must wait one tick.
	r.tick(ts(9, 15, 5), "NIFTY", 10100)
	pos := r.pos.Get("pos-1")
	if pos == nil || pos.OpenTransaction() == nil {
		t.Fatal("entry must fill")
	}
	if ev := lastOfKind(r.eventsFor("exit1"), model.EventActive); ev == nil {
		t.Fatal("deferred exit must report active, not completed")
	}

	// Next tick the exit executes at the new print.
	r.tick(ts(9, 15, 6), "NIFTY", 10200)
	pos = r.pos.Get("pos-1")
	if pos.OpenTransaction() != nil {
		t.Fatal("position must be closed on the next tick")
	}
	if pos.ExitPrice != 10200 || pos.RealizedPnL != 100 {
		t.Fatalf("exit = %d pnl = %d", pos.ExitPrice, pos.RealizedPnL)
	}
}

const reEntryDoc = `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": "==", "rhs": 101}
    }},
    {"id": "ent1", "type": "entryNode", "data": {
      "positions": [{"vpi": "pos-1", "quantity": 1, "multiplier": 1, "positionType": "buy", "maxEntries": 2}]
    }},
    {"id": "xsig1", "type": "exitSignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": "<", "rhs": 95}
    }},
    {"id": "exit1", "type": "exitNode", "data": {
      "exitConfig": {"targetPositionVpi": "pos-1", "quantity": "full"}
    }},
    {"id": "rsig1", "type": "reEntrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 100}
    }}
  ],
  "edges": [
    {"source": "s1", "target": "sig1"},
    {"source": "sig1", "target": "ent1"},
    {"source": "ent1", "target": "xsig1"},
    {"source": "xsig1", "target": "exit1"},
    {"source": "exit1", "target": "rsig1"},
    {"source": "rsig1", "target": "ent1"}
  ]
}`

func TestEngine_ReEntryCapsAtMaxEntries(t *testing.T) {
	r := newRig(t, reEntryDoc)

	r.tick(ts(9, 15, 5), "NIFTY", 10100) // entry #1 at 101.00
	r.tick(ts(9, 15, 6), "NIFTY", 9400)  // exit #1, re-entry signal activated

	pos := r.pos.Get("pos-1")
	if pos.OpenTransaction() != nil || pos.PositionNum != 1 {
		t.Fatalf("after first cycle: open=%v num=%d", pos.OpenTransaction() != nil, pos.PositionNum)
	}

	// 102.00 satisfies the re-entry condition (but not the original
	// entry signal); re-entry #2 fills in the same tick.
	r.tick(ts(9, 15, 7), "NIFTY", 10200)
	pos = r.pos.Get("pos-1")
	if pos.PositionNum != 2 || pos.OpenTransaction() == nil {
		t.Fatalf("re-entry: num=%d open=%v", pos.PositionNum, pos.OpenTransaction() != nil)
	}
	if pos.Transactions[1].ReEntryNum != 1 {
		t.Fatalf("tx re_entry_num = %d, want 1", pos.Transactions[1].ReEntryNum)
	}
	if ev := lastOfKind(r.eventsFor("ent1"), model.EventLogicCompleted); ev == nil || ev.ReEntryNum != 1 {
		t.Fatalf("entry event re_entry_num wrong: %+v", ev)
	}

	// Exit #2; the re-entry cap of 2 deactivates the re-entry signal.
	r.tick(ts(9, 15, 8), "NIFTY", 9400)
	if r.eng.g.Node("rsig1").State() != Inactive {
		t.Fatal("re-entry signal must deactivate at the cap")
	}
	capped := lastOfKind(r.eventsFor("rsig1"), model.EventActive)
	if capped == nil || string(capped.Evaluation) == "" {
		t.Fatal("cap deactivation must carry a diagnostic")
	}
	if want := "Max entries reached"; !strings.Contains(string(capped.Evaluation), want) {
		t.Fatalf("diag %s missing %q", capped.Evaluation, want)
	}

	// No third entry even though the condition holds.
	r.tick(ts(9, 15, 9), "NIFTY", 10200)
	if n := len(r.pos.Get("pos-1").Transactions); n != 2 {
		t.Fatalf("transactions = %d, want 2", n)
	}
}

func TestEngine_ReEntryDisabledWhenMaxEntriesZero(t *testing.T) {
	doc := strings.Replace(reEntryDoc, `"maxEntries": 2`, `"maxEntries": 0`, 1)
	r := newRig(t, doc)

	r.tick(ts(9, 15, 5), "NIFTY", 10100) // entry #1 at 101.00
	r.tick(ts(9, 15, 6), "NIFTY", 9400)  // exit #1

	// The exit activates the re-entry signal, but with re-entry disabled
	// the cap is already hit: the node deactivates on its first evaluation.
	if r.eng.g.Node("rsig1").State() != Inactive {
		t.Fatal("re-entry signal must deactivate when re-entry is disabled")
	}
	capped := lastOfKind(r.eventsFor("rsig1"), model.EventActive)
	if capped == nil || !strings.Contains(string(capped.Evaluation), "Max entries reached") {
		t.Fatalf("cap diagnostic missing: %+v", capped)
	}

	// The re-entry condition holds at 102.00 but no second entry may open.
	r.tick(ts(9, 15, 7), "NIFTY", 10200)
	pos := r.pos.Get("pos-1")
	if n := len(pos.Transactions); n != 1 {
		t.Fatalf("transactions = %d, want 1", n)
	}
	if pos.PositionNum != 1 || pos.OpenTransaction() != nil {
		t.Fatalf("num=%d open=%v", pos.PositionNum, pos.OpenTransaction() != nil)
	}
}

const timeExitDoc = `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]},
      "endConditions": {"timeBasedExit": {"enabled": true, "exitTime": "15:20"}}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 100}
    }},
    {"id": "ent1", "type": "entryNode", "data": {
      "positions": [{"vpi": "pos-1", "quantity": 1, "multiplier": 1, "positionType": "buy"}]
    }},
    {"id": "so1", "type": "squareOffNode", "data": {"label": "square off"}}
  ],
  "edges": [
    {"source": "s1", "target": "sig1"},
    {"source": "sig1", "target": "ent1"}
  ]
}`

func TestEngine_TimeBasedExitSquaresOff(t *testing.T) {
	r := newRig(t, timeExitDoc)

	r.tick(ts(9, 15, 5), "NIFTY", 10100)
	if r.pos.Get("pos-1").OpenTransaction() == nil {
		t.Fatal("entry must fill")
	}

	// 15:19 is before the deadline.
	r.tick(ts(15, 19, 59), "NIFTY", 10300)
	if r.eng.Ended() {
		t.Fatal("must not end before the exit time")
	}

	r.tick(ts(15, 20, 0), "NIFTY", 10300)
	if !r.eng.Ended() || r.eng.EndReason() != "time_based_exit" {
		t.Fatalf("ended=%v reason=%q", r.eng.Ended(), r.eng.EndReason())
	}
	pos := r.pos.Get("pos-1")
	if pos.OpenTransaction() != nil || pos.ExitPrice != 10300 || pos.RealizedPnL != 200 {
		t.Fatalf("square-off fill wrong: exit=%d pnl=%d", pos.ExitPrice, pos.RealizedPnL)
	}
	// Square-off routed through the graph's square-off node.
	if ev := lastOfKind(r.eventsFor("so1"), model.EventLogicCompleted); ev == nil {
		t.Fatal("square-off event must carry the square-off node id")
	}
	for _, n := range r.eng.g.Nodes() {
		if n.State() != Inactive {
			t.Fatalf("node %s still %v after square-off", n.ID, n.State())
		}
	}

	// Further ticks are no-ops.
	before := len(r.events)
	r.tick(ts(15, 20, 1), "NIFTY", 10400)
	if len(r.events) != before {
		t.Fatal("ended engine must not emit events")
	}
}

func perfExitDoc(target, stop float64) string {
	return `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]},
      "endConditions": {"performanceBasedExit": {"enabled": true, "profitTarget": ` +
		strconv.FormatFloat(target, 'f', -1, 64) + `, "stopLoss": ` + strconv.FormatFloat(stop, 'f', -1, 64) + `}}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 100}
    }},
    {"id": "ent1", "type": "entryNode", "data": {
      "positions": [{"vpi": "pos-1", "quantity": 1, "multiplier": 1, "positionType": "buy"}]
    }}
  ],
  "edges": [
    {"source": "s1", "target": "sig1"},
    {"source": "sig1", "target": "ent1"}
  ]
}`
}

func TestEngine_ProfitTargetExit(t *testing.T) {
	r := newRig(t, perfExitDoc(5, 5))

	r.tick(ts(9, 15, 5), "NIFTY", 10100)
	r.tick(ts(9, 15, 6), "NIFTY", 10400) // +3.00, under target
	if r.eng.Ended() {
		t.Fatal("must not end under the profit target")
	}

	r.tick(ts(9, 15, 7), "NIFTY", 10700) // +6.00 >= 5
	if !r.eng.Ended() || r.eng.EndReason() != "profit_target_hit" {
		t.Fatalf("ended=%v reason=%q", r.eng.Ended(), r.eng.EndReason())
	}
	if pos := r.pos.Get("pos-1"); pos.OpenTransaction() != nil || pos.RealizedPnL != 600 {
		t.Fatalf("square-off pnl = %d", pos.RealizedPnL)
	}
}

func TestEngine_StopLossExit(t *testing.T) {
	r := newRig(t, perfExitDoc(5, 5))

	r.tick(ts(9, 15, 5), "NIFTY", 10100)
	r.tick(ts(9, 15, 6), "NIFTY", 9500) // -6.00 <= -5
	if !r.eng.Ended() || r.eng.EndReason() != "stop_loss_hit" {
		t.Fatalf("ended=%v reason=%q", r.eng.Ended(), r.eng.EndReason())
	}
	if pos := r.pos.Get("pos-1"); pos.OpenTransaction() != nil || pos.RealizedPnL != -600 {
		t.Fatalf("square-off pnl = %d", pos.RealizedPnL)
	}
}

const immediateDoc = `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]},
      "endConditions": {"immediateExit": {"enabled": true}}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 100}
    }},
    {"id": "ent1", "type": "entryNode", "data": {
      "positions": [{"vpi": "pos-1", "quantity": 1, "multiplier": 1, "positionType": "buy"}]
    }}
  ],
  "edges": [
    {"source": "s1", "target": "sig1"},
    {"source": "sig1", "target": "ent1"}
  ]
}`

func TestEngine_ImmediateExitEndsBeforeEntry(t *testing.T) {
	r := newRig(t, immediateDoc)

	r.tick(ts(9, 15, 5), "NIFTY", 10100)
	if !r.eng.Ended() || r.eng.EndReason() != "immediate_exit" {
		t.Fatalf("ended=%v reason=%q", r.eng.Ended(), r.eng.EndReason())
	}
	if len(r.pos.All()) != 0 {
		t.Fatal("no positions may open under immediate exit")
	}
}

const optionDoc = `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "tradingInstrumentConfig": {"symbol": "NIFTY", "timeframes": [{"timeframe": 1, "indicators": {}}]}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp"}, "op": ">", "rhs": 24000}
    }},
    {"id": "ent1", "type": "entryNode", "data": {
      "positions": [{
        "vpi": "leg-1", "quantity": 1, "multiplier": 75, "positionType": "sell",
        "optionDetails": {"expiry": "W0", "strikeType": "ATM", "optionType": "CE"}
      }]
    }}
  ],
  "edges": [
    {"source": "s1", "target": "sig1"},
    {"source": "sig1", "target": "ent1"}
  ]
}`

func TestEngine_OptionLegResolution(t *testing.T) {
	r := newRig(t, optionDoc)

	// Friday 2026-08-21, spot 24630.00: ATM 24650, weekly expiry Tue Aug 25.
	r.tick(ts(9, 15, 5), "NIFTY", 2463000)

	pos := r.pos.Get("leg-1")
	if pos == nil || pos.OpenTransaction() == nil {
		t.Fatal("option leg must fill")
	}
	if pos.Symbol != "NIFTY:2026-08-25:OPT:2465000:CE" {
		t.Fatalf("resolved leg = %q", pos.Symbol)
	}
	if pos.Side != "SELL" || pos.ActualQty != 75 {
		t.Fatalf("leg side=%s qty=%d", pos.Side, pos.ActualQty)
	}
	// No option quote yet: the fill falls back to the underlying print.
	if pos.EntryPrice != 2463000 {
		t.Fatalf("fallback fill = %d", pos.EntryPrice)
	}
}

const dynamicStartDoc = `{
  "nodes": [
    {"id": "s1", "type": "startNode", "data": {
      "tradingInstrumentConfig": {"symbol": "NIFTY:W0", "timeframes": [{"timeframe": 1, "indicators": {}}]}
    }},
    {"id": "sig1", "type": "entrySignalNode", "data": {
      "conditions": {"lhs": {"type": "ltp", "symbol": "NIFTY"}, "op": ">", "rhs": 0}
    }},
    {"id": "ent1", "type": "entryNode", "data": {
      "positions": [{"vpi": "pos-1", "quantity": 1, "multiplier": 75, "positionType": "buy"}]
    }}
  ],
  "edges": [
    {"source": "s1", "target": "sig1"},
    {"source": "sig1", "target": "ent1"}
  ]
}`

func TestEngine_DynamicTradingInstrument(t *testing.T) {
	r := newRig(t, dynamicStartDoc)

	// The feed publishes both the spot and the contract it resolves to.
	r.quotes.Update(model.Tick{Symbol: "NIFTY:2026-08-25:FUT", LTP: 2471000, TS: ts(9, 15, 4)})
	r.tick(ts(9, 15, 5), "NIFTY", 2463000)

	if got := r.eng.TradingSymbol(); got != "NIFTY:2026-08-25:FUT" {
		t.Fatalf("resolved instrument = %q", got)
	}
	pos := r.pos.Get("pos-1")
	if pos == nil || pos.Symbol != "NIFTY:2026-08-25:FUT" {
		t.Fatalf("position symbol = %v", pos)
	}
	if pos.EntryPrice != 2471000 {
		t.Fatalf("entry at contract print, got %d", pos.EntryPrice)
	}
}

func TestEngine_ResetDayRestartsStrategy(t *testing.T) {
	r := newRig(t, timeExitDoc)

	r.tick(ts(9, 15, 5), "NIFTY", 10100)
	r.tick(ts(15, 20, 0), "NIFTY", 10300)
	if !r.eng.Ended() {
		t.Fatal("day one must end at the exit time")
	}

	day2 := ts(9, 15, 5).AddDate(0, 0, 3) // Monday 2026-08-24
	r.eng.ResetDay(day2)
	if r.eng.Ended() {
		t.Fatal("reset must clear the ended state")
	}

	r.tick(day2, "NIFTY", 10100)
	pos := r.pos.Get("pos-1")
	if pos.OpenTransaction() == nil {
		t.Fatal("entry must fire again on the new day")
	}
	if pos.PositionNum != 1 {
		t.Fatalf("position numbering must restart, got %d", pos.PositionNum)
	}
	if n := len(pos.Transactions); n != 2 {
		t.Fatalf("prior day transactions must survive, got %d", n)
	}
}

func TestEngine_DefaultEndOfDaySquareOff(t *testing.T) {
	// No end conditions configured: the strategy still squares off at the
	// exchange's intraday deadline.
	r := newRig(t, cycleDoc)

	r.tick(ts(9, 15, 5), "NIFTY", 10100)
	if r.pos.Get("pos-1").OpenTransaction() == nil {
		t.Fatal("entry must fill")
	}

	r.tick(ts(15, 28, 59), "NIFTY", 10300)
	if r.eng.Ended() {
		t.Fatal("must not end before the intraday deadline")
	}

	r.tick(ts(15, 29, 0), "NIFTY", 10300)
	if !r.eng.Ended() || r.eng.EndReason() != "eod_square_off" {
		t.Fatalf("ended=%v reason=%q", r.eng.Ended(), r.eng.EndReason())
	}
	pos := r.pos.Get("pos-1")
	if pos.OpenTransaction() != nil || pos.ExitPrice != 10300 || pos.RealizedPnL != 200 {
		t.Fatalf("square-off fill wrong: exit=%d pnl=%d", pos.ExitPrice, pos.RealizedPnL)
	}
	for _, n := range r.eng.g.Nodes() {
		if n.State() != Inactive {
			t.Fatalf("node %s still %v after square-off", n.ID, n.State())
		}
	}
}

func TestEngine_LiveOrdersFillAtPlacementPrice(t *testing.T) {
	// Live mode against the paper gateway with no quote feed of its own:
	// orders must carry the engine's price and fill across two ticks.
	r := newRigMode(t, cycleDoc, ModeLive, broker.NewPaper(nil, 0))

	r.tick(ts(9, 15, 6), "NIFTY", 10100)
	if len(r.pos.All()) != 0 {
		t.Fatal("live entry must not book a position before the fill")
	}
	if ev := lastOfKind(r.eventsFor("ent1"), model.EventPending); ev == nil {
		t.Fatal("submitted entry order must report pending")
	}

	// The next tick polls the gateway; the fill price is the order's
	// placement price, not the moved LTP.
	r.tick(ts(9, 15, 7), "NIFTY", 10150)
	pos := r.pos.Get("pos-1")
	if pos == nil || pos.OpenTransaction() == nil {
		t.Fatal("entry must fill on the poll tick")
	}
	if pos.EntryPrice != 10100 {
		t.Fatalf("entry = %d, want the placement price 10100", pos.EntryPrice)
	}

	// Exit leg runs the same submit/poll cycle.
	r.tick(ts(9, 15, 8), "NIFTY", 9400)
	if ev := lastOfKind(r.eventsFor("exit1"), model.EventPending); ev == nil {
		t.Fatal("submitted exit order must report pending")
	}
	if r.pos.Get("pos-1").OpenTransaction() == nil {
		t.Fatal("position stays open while the exit order is in flight")
	}

	r.tick(ts(9, 15, 9), "NIFTY", 9500)
	pos = r.pos.Get("pos-1")
	if pos.OpenTransaction() != nil {
		t.Fatal("position must close once the exit order completes")
	}
	if pos.ExitPrice != 9400 || pos.RealizedPnL != -700 {
		t.Fatalf("exit = %d pnl = %d", pos.ExitPrice, pos.RealizedPnL)
	}
}

