package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"strategy-systemv1/internal/candle"
	"strategy-systemv1/internal/fno"
	"strategy-systemv1/internal/gps"
	"strategy-systemv1/internal/indicator"
	"strategy-systemv1/internal/ltp"
	"strategy-systemv1/internal/markethours"
	"strategy-systemv1/internal/model"
)

// Mode selects order handling: backtest fills at LTP, live goes through
// the broker gateway.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// Notifier delivers user alerts fired by signal nodes and end conditions.
type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// Services bundles the session-scoped collaborators the engine runs
// against. Everything here is owned by one session; only Gateway and
// Resolver may be shared across sessions.
type Services struct {
	Quotes     *ltp.Store
	Candles    *candle.Builder
	Indicators *indicator.Engine
	Positions  *gps.Store
	Resolver   *fno.Resolver
	Gateway    model.OrderGateway
	Notifier   Notifier
	Log        *slog.Logger
}

// EmitFn receives every diagnostic event the engine produces, in causal
// order. The session wires this into its event stream.
type EmitFn func(ev model.Event)

// Engine executes one strategy graph. Single-goroutine: it runs inside
// the session scheduler.
type Engine struct {
	g    *Graph
	svc  Services
	mode Mode
	emit EmitFn

	strategyID string
	scale      int64 // strategy-level quantity multiplier

	epoch uint64
	tick  model.Tick

	underlying string // primary symbol from the start node config
	resolved   string // trading instrument after F&O resolution
	baseTF     int

	dayStarted        bool
	strategyEnded     bool
	squareOffExecuted bool
	endReason         string
}

// NewEngine builds an engine for a parsed graph. scale <= 0 means 1.
func NewEngine(g *Graph, svc Services, mode Mode, strategyID string, scale int64, emit EmitFn) *Engine {
	if scale <= 0 {
		scale = 1
	}
	if svc.Log == nil {
		svc.Log = slog.Default()
	}
	e := &Engine{
		g:          g,
		svc:        svc,
		mode:       mode,
		emit:       emit,
		strategyID: strategyID,
		scale:      scale,
	}
	sd := g.StartData()
	e.underlying = sd.TradingInstrumentConfig.Symbol
	e.resolved = e.underlying
	if len(sd.TradingInstrumentConfig.Timeframes) > 0 {
		e.baseTF = int(sd.TradingInstrumentConfig.Timeframes[0].Timeframe)
	}
	svc.Positions.SetUnderlying(e.underlying)
	return e
}

// RegisterMarketData registers every candle series and indicator the
// start node configures. Call once before the first tick.
func (e *Engine) RegisterMarketData() {
	cfgs := []*InstrumentConfig{&e.g.StartData().TradingInstrumentConfig}
	if sd := e.g.StartData(); sd.SupportingInstrumentEnabled && sd.SupportingInstrumentConfig != nil {
		cfgs = append(cfgs, sd.SupportingInstrumentConfig)
	}
	for _, ic := range cfgs {
		for _, tf := range ic.Timeframes {
			e.svc.Candles.Register(ic.Symbol, int(tf.Timeframe))
			for key, spec := range tf.Indicators {
				e.svc.Indicators.Register(ic.Symbol, int(tf.Timeframe), indicator.Config{
					Key:    key,
					Type:   spec.IndicatorName,
					Period: spec.period(),
				})
			}
		}
	}
}

// Ended reports whether the strategy has terminated (square-off done or
// immediate end condition hit).
func (e *Engine) Ended() bool { return e.strategyEnded }

// EndReason returns why the strategy ended, if it has.
func (e *Engine) EndReason() string { return e.endReason }

// TradingSymbol returns the resolved trading instrument.
func (e *Engine) TradingSymbol() string { return e.resolved }

// ResetDay prepares the engine for a new trading day.
func (e *Engine) ResetDay(t time.Time) {
	e.dayStarted = false
	e.strategyEnded = false
	e.squareOffExecuted = false
	e.endReason = ""
	e.svc.Positions.ResetDay(t)
	for _, n := range e.g.nodes {
		n.status = Inactive
		n.visitedEpoch = 0
		n.execID = ""
		n.parentExecID = ""
		n.reEntryNum = 0
		n.fired = false
		n.lastFiredNum = 0
		n.resetOrderTracking()
	}
	e.g.start.status = Active
}

// OnTick runs one full traversal for the last tick of a second-bucket.
// Errors are fatal for the session.
func (e *Engine) OnTick(ctx context.Context, t model.Tick) error {
	if e.strategyEnded {
		return nil
	}
	e.epoch++
	e.tick = t

	if !e.dayStarted {
		e.dayStarted = true
		e.g.start.status = Active
	}

	e.svc.Positions.UpdatePrices(e.svc.Quotes)

	if err := e.checkEndConditions(ctx, t); err != nil {
		return err
	}
	if e.strategyEnded {
		return nil
	}

	return e.visit(ctx, e.g.start)
}

// visit implements the recursive per-tick descent. The visited epoch is
// both the cycle guard and the subtree terminator.
func (e *Engine) visit(ctx context.Context, n *Node) error {
	if n.visitedEpoch == e.epoch {
		return nil
	}
	n.visitedEpoch = e.epoch

	// Inactive signal latch: re-arm when the target position has cycled.
	// An entry signal waits for its position to close again; an exit
	// signal waits for a new open position to watch.
	if n.status == Inactive && n.fired &&
		(n.Type == TypeEntrySignal || n.Type == TypeExitSignal) {
		if num := e.svc.Positions.LatestPositionNum(n.targetVPI); num > n.lastFiredNum {
			open := e.svc.Positions.HasOpenPosition(n.targetVPI)
			if (n.Type == TypeEntrySignal && !open) || (n.Type == TypeExitSignal && open) {
				n.status = Active
				n.fired = false
			}
		}
	}

	if n.status != Inactive {
		if n.status == Active || n.execID == "" {
			n.execID = uuid.NewString()
		}
		res, err := e.execute(ctx, n)
		if err != nil {
			return fmt.Errorf("node %s (%s): %w", n.ID, n.Type, err)
		}
		e.applyResult(n, res)
		if e.strategyEnded {
			return nil
		}
	}

	for _, c := range n.children {
		if err := e.visit(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// result is the outcome of one node execution.
type result struct {
	completed  bool // logic done: activate children, go Inactive
	pending    bool // awaiting broker fill
	deactivate bool // go Inactive without activating children
	evaluation any  // diagnostic payload for the event stream

	// reEntry requests the re-entry activation override: children's
	// visited flags and order tracking are reset too.
	reEntry bool
}

func (e *Engine) execute(ctx context.Context, n *Node) (result, error) {
	switch n.Type {
	case TypeStart:
		return e.runStart(n)
	case TypeEntrySignal, TypeExitSignal:
		return e.runSignal(ctx, n)
	case TypeReEntry:
		return e.runReEntrySignal(ctx, n)
	case TypeEntry:
		return e.runEntry(ctx, n)
	case TypeExit:
		return e.runExit(ctx, n)
	case TypeSquareOff:
		return e.runSquareOff(ctx, n, "parent_triggered")
	}
	return result{}, fmt.Errorf("unhandled node type %q", n.Type)
}

func (e *Engine) applyResult(n *Node, res result) {
	switch {
	case res.pending:
		n.status = Pending
		e.emitEvent(n, model.EventPending, res.evaluation)
	case res.completed:
		e.emitEvent(n, model.EventLogicCompleted, res.evaluation)
		e.activateChildren(n, res.reEntry)
		n.status = Inactive
		n.execID = ""
		// Completed order nodes start clean on their next activation.
		if n.Type == TypeEntry || n.Type == TypeExit {
			n.resetOrderTracking()
		}
	case res.deactivate:
		n.status = Inactive
		n.execID = ""
		e.emitEvent(n, model.EventActive, res.evaluation)
	default:
		n.status = Active
		e.emitEvent(n, model.EventActive, res.evaluation)
	}
}

// activateChildren marks every child Active and hands down the execution
// chain. The standard policy keeps children's visited flags so a child
// already walked this tick runs next tick; re-entry resets them so a fresh
// entry order can flow in the same tick.
func (e *Engine) activateChildren(n *Node, reEntry bool) {
	for _, c := range n.children {
		if c.status != Pending {
			c.status = Active
		}
		c.parentExecID = n.execID
		c.reEntryNum = n.reEntryNum
		if reEntry {
			c.visitedEpoch = 0
			if c.Type == TypeEntry {
				c.resetOrderTracking()
			}
		}
	}
}

func (e *Engine) emitEvent(n *Node, kind model.EventKind, evaluation any) {
	if e.emit == nil {
		return
	}
	var raw json.RawMessage
	if evaluation != nil {
		if b, err := json.Marshal(evaluation); err == nil {
			raw = b
		}
	}
	e.emit(model.Event{
		ExecID:       n.execID,
		ParentExecID: n.parentExecID,
		NodeID:       n.ID,
		NodeType:     n.Type,
		Kind:         kind,
		TS:           e.tick.TS,
		ReEntryNum:   n.reEntryNum,
		Evaluation:   raw,
	})
}

// checkEndConditions evaluates the start node's strategy-level
// terminators on every tick, independent of the start node's status.
// Strategies without a configured time exit still square off at the
// exchange's intraday deadline.
func (e *Engine) checkEndConditions(ctx context.Context, t model.Tick) error {
	if e.squareOffExecuted {
		return nil
	}
	ec := e.g.StartData().EndConditions

	timeExitSet := false
	if ec != nil {
		if ec.ImmediateExit != nil && ec.ImmediateExit.Enabled {
			return e.triggerSquareOff(ctx, "immediate_exit")
		}

		if tb := ec.TimeBasedExit; tb != nil && tb.Enabled && tb.ExitTime != "" {
			timeExitSet = true
			deadline, err := markethours.AtClock(t.TS, tb.ExitTime)
			if err != nil {
				return fmt.Errorf("end condition exitTime %q: %w", tb.ExitTime, err)
			}
			if !t.TS.Before(deadline) {
				return e.triggerSquareOff(ctx, "time_based_exit")
			}
		}

		if pb := ec.PerformanceBasedExit; pb != nil && pb.Enabled {
			pnl := float64(e.svc.Positions.TotalPnL()) / 100.0 // rupees
			if pb.ProfitTarget > 0 && pnl >= pb.ProfitTarget {
				return e.triggerSquareOff(ctx, "profit_target_hit")
			}
			if pb.StopLoss > 0 && pnl <= -pb.StopLoss {
				return e.triggerSquareOff(ctx, "stop_loss_hit")
			}
		}
	}

	if !timeExitSet && !t.TS.Before(markethours.DefaultSquareOff(t.TS)) {
		return e.triggerSquareOff(ctx, "eod_square_off")
	}
	return nil
}

// triggerSquareOff routes an engine-level termination through the graph's
// square-off node when one exists, so the event stream shows the square-off
// under its node id.
func (e *Engine) triggerSquareOff(ctx context.Context, reason string) error {
	var soNode *Node
	for _, n := range e.g.nodes {
		if n.Type == TypeSquareOff {
			soNode = n
			break
		}
	}
	if soNode == nil {
		return e.squareOffAll(ctx, nil, reason)
	}
	if soNode.visitedEpoch != e.epoch {
		soNode.visitedEpoch = e.epoch
	}
	soNode.execID = uuid.NewString()
	res, err := e.runSquareOff(ctx, soNode, reason)
	if err != nil {
		return err
	}
	e.applyResult(soNode, res)
	return nil
}
