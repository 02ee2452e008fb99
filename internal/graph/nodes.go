package graph

import (
	"context"
	"fmt"
	"strings"

	"strategy-systemv1/internal/expr"
	"strategy-systemv1/internal/fno"
	"strategy-systemv1/internal/gps"
	"strategy-systemv1/internal/model"
)

// ── expr.Env implementation ──

func (e *Engine) LTP(symbol string) (int64, bool) { return e.svc.Quotes.Price(symbol) }

func (e *Engine) CandleField(symbol string, tf int, field string, offset int) (float64, bool) {
	v, ok := e.svc.Candles.Field(symbol, tf, field, offset)
	if !ok {
		return 0, false
	}
	if field == "volume" {
		return float64(v), true
	}
	return float64(v) / 100.0, true // paise → rupees
}

func (e *Engine) IndicatorValue(symbol string, tf int, key string, offset int) (float64, bool) {
	return e.svc.Candles.Indicator(symbol, tf, key, offset)
}

func (e *Engine) NodeVar(nodeID, name string) (float64, bool) {
	return e.svc.Positions.NodeVar(nodeID, name)
}

func (e *Engine) Underlying() string    { return e.underlying }
func (e *Engine) DefaultSymbol() string { return e.underlying }
func (e *Engine) DefaultTF() int        { return e.baseTF }

// ── diagnostics payloads ──

type conditionDiag struct {
	Satisfied bool               `json:"satisfied"`
	Preview   string             `json:"preview,omitempty"`
	Leaves    []expr.LeafDiag    `json:"leaves,omitempty"`
	Variables map[string]float64 `json:"variables,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

type orderDiag struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Qty         int64  `json:"qty"`
	Price       int64  `json:"price"` // paise
	OrderID     string `json:"order_id,omitempty"`
	Status      string `json:"order_status"`
	PositionID  string `json:"position_id,omitempty"`
	PositionNum int    `json:"position_num,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ExitReason  string `json:"exit_reason,omitempty"`
}

type squareOffDiag struct {
	Reason          string   `json:"reason"`
	ClosedPositions []string `json:"closed_positions"`
	CancelledOrders []string `json:"cancelled_orders,omitempty"`
}

// ── StartNode ──

// runStart runs once per day: resolves the trading instrument and hands
// control to the children. End conditions are engine-level and keep
// running after the start node goes Inactive.
func (e *Engine) runStart(n *Node) (result, error) {
	symbol := n.start.TradingInstrumentConfig.Symbol
	if fno.IsDynamic(symbol) {
		spot, _ := e.svc.Quotes.Price(strings.SplitN(symbol, ":", 2)[0])
		resolved, err := e.svc.Resolver.Resolve(symbol, e.tick.TS, spot)
		if err != nil {
			return result{}, err
		}
		e.resolved = resolved
	} else {
		e.resolved = symbol
	}

	e.svc.Log.Info("strategy started",
		"strategy", e.strategyID,
		"symbol", e.resolved,
		"name", n.start.StrategyName)

	return result{completed: true, evaluation: map[string]string{
		"resolved_symbol": e.resolved,
		"strategy_name":   n.start.StrategyName,
	}}, nil
}

// ── Signal nodes ──

// runSignal handles entrySignalNode and exitSignalNode: evaluate the
// condition tree, compute variables on satisfaction, latch until the
// target position cycles.
func (e *Engine) runSignal(ctx context.Context, n *Node) (result, error) {
	d := n.signal

	cond := d.conditions
	if d.reEntryConditions != nil && e.svc.Positions.LatestPositionNum(n.targetVPI) > 0 {
		cond = d.reEntryConditions
	}

	diag := conditionDiag{Satisfied: true, Preview: d.ConditionsPreview}
	if cond != nil {
		res, err := cond.Evaluate(e)
		if err != nil {
			return result{}, err
		}
		diag.Satisfied = res.Satisfied
		diag.Leaves = res.Leaves
	}

	if !diag.Satisfied {
		return result{evaluation: diag}, nil
	}

	vars, err := e.computeVariables(n)
	if err != nil {
		return result{}, err
	}
	diag.Variables = vars

	if d.AlertNotification != "" && e.svc.Notifier != nil {
		e.svc.Notifier.Notify(ctx, "signal "+n.ID, d.AlertNotification)
	}

	n.fired = true
	n.lastFiredNum = e.svc.Positions.LatestPositionNum(n.targetVPI)
	return result{completed: true, evaluation: diag}, nil
}

// runReEntrySignal applies the implicit re-entry checks before the user
// conditions: entry cap, open target position, and an entry still in
// flight all block this tick.
func (e *Engine) runReEntrySignal(ctx context.Context, n *Node) (result, error) {
	target := n.targetEntry
	vpi := n.targetVPI

	// maxEntries 0 means re-entry is disabled: the cap is hit on the very
	// first evaluation and the node goes Inactive for the rest of the day.
	if max := target.maxEntries(); e.svc.Positions.LatestPositionNum(vpi) >= max {
		e.svc.Log.Info("re-entry cap reached", "node", n.ID, "position", vpi, "max", max)
		return result{deactivate: true, evaluation: conditionDiag{Reason: "Max entries reached"}}, nil
	}
	if e.svc.Positions.HasOpenPosition(vpi) {
		return result{evaluation: conditionDiag{Reason: "target position open"}}, nil
	}
	if target.status != Inactive {
		return result{evaluation: conditionDiag{Reason: "entry order in flight"}}, nil
	}

	diag := conditionDiag{Satisfied: true}
	if n.signal.conditions != nil {
		res, err := n.signal.conditions.Evaluate(e)
		if err != nil {
			return result{}, err
		}
		diag.Satisfied = res.Satisfied
		diag.Leaves = res.Leaves
	}
	if !diag.Satisfied {
		return result{evaluation: diag}, nil
	}

	vars, err := e.computeVariables(n)
	if err != nil {
		return result{}, err
	}
	diag.Variables = vars

	if n.signal.AlertNotification != "" && e.svc.Notifier != nil {
		e.svc.Notifier.Notify(ctx, "re-entry "+n.ID, n.signal.AlertNotification)
	}

	n.reEntryNum++
	return result{completed: true, reEntry: true, evaluation: diag}, nil
}

// computeVariables evaluates the node's variables in dependency order and
// publishes them to the position store.
func (e *Engine) computeVariables(n *Node) (map[string]float64, error) {
	d := n.signal
	if len(d.Variables) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(d.Variables))
	for _, i := range d.varOrder {
		v := &d.Variables[i]
		val, err := v.parsed.Eval(e, 0)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", v.Name, err)
		}
		if val.Null || val.IsStr {
			continue // unresolved this tick, readers see it as null
		}
		e.svc.Positions.SetNodeVar(n.ID, v.Name, val.Num)
		out[v.Name] = val.Num
	}
	return out, nil
}

// ── EntryNode ──

func (e *Engine) runEntry(ctx context.Context, n *Node) (result, error) {
	var diags []orderDiag
	anyPending := false

	for i := range n.entry.Positions {
		spec := &n.entry.Positions[i]
		track := &n.tracks[i]

		switch model.OrderStatus(track.orderStatus) {
		case "":
			d, pending, err := e.placeEntry(ctx, n, spec, track)
			if err != nil {
				return result{}, err
			}
			diags = append(diags, d)
			anyPending = anyPending || pending

		case model.OrderPending, model.OrderOpen, model.OrderPartiallyFilled:
			d, pending, err := e.pollEntry(ctx, n, spec, track)
			if err != nil {
				return result{}, err
			}
			diags = append(diags, d)
			anyPending = anyPending || pending
			if model.OrderStatus(track.orderStatus) == model.OrderRejected ||
				model.OrderStatus(track.orderStatus) == model.OrderCancelled {
				return result{deactivate: true, evaluation: diags}, nil
			}
		}
	}

	if anyPending {
		return result{pending: true, evaluation: diags}, nil
	}
	return result{completed: true, evaluation: diags}, nil
}

// placeEntry constructs and submits (or immediately fills) one position's
// entry order.
func (e *Engine) placeEntry(ctx context.Context, n *Node, spec *PositionSpec, track *orderTrack) (orderDiag, bool, error) {
	symbol, err := e.resolvePositionSymbol(n, spec)
	if err != nil {
		return orderDiag{}, false, err
	}
	track.resolvedSymbol = symbol

	actual := spec.qty() * spec.mult() * e.scale
	price, ok := e.fillPrice(symbol, 0)
	if !ok {
		return orderDiag{}, false, fmt.Errorf("no price for %s", symbol)
	}

	if e.mode == ModeBacktest {
		if err := e.recordEntryFill(n, spec, track, symbol, price, actual, e.tick.TS); err != nil {
			return orderDiag{}, false, err
		}
		track.orderStatus = string(model.OrderComplete)
		return orderDiag{
			Symbol: symbol, Side: spec.Side(), Qty: actual, Price: price,
			Status: string(model.OrderComplete), PositionID: spec.VPI,
			PositionNum: e.svc.Positions.LatestPositionNum(spec.VPI),
		}, false, nil
	}

	ack, err := e.svc.Gateway.PlaceOrder(ctx, model.OrderRequest{
		Symbol:      symbol,
		Exchange:    model.DefaultExchange(symbol),
		Side:        spec.Side(),
		OrderType:   orDefault(spec.OrderType, "MARKET"),
		ProductType: orDefault(spec.ProductType, "INTRADAY"),
		Qty:         actual,
		Price:       price,
		NodeID:      n.ID,
	})
	if err != nil {
		// Broker submit failure: report, give up on this activation.
		e.svc.Log.Warn("entry order submit failed", "node", n.ID, "symbol", symbol, "err", err)
		track.orderStatus = string(model.OrderRejected)
		return orderDiag{
			Symbol: symbol, Side: spec.Side(), Qty: actual,
			Status: string(model.OrderRejected), Reason: err.Error(),
		}, false, nil
	}

	track.pendingOrderID = ack.OrderID
	track.orderStatus = string(model.OrderPending)
	return orderDiag{
		Symbol: symbol, Side: spec.Side(), Qty: actual, Price: price,
		OrderID: ack.OrderID, Status: string(model.OrderPending),
	}, true, nil
}

// pollEntry re-checks a pending entry order against the gateway's
// postback-updated view.
func (e *Engine) pollEntry(ctx context.Context, n *Node, spec *PositionSpec, track *orderTrack) (orderDiag, bool, error) {
	st, err := e.svc.Gateway.OrderStatus(ctx, track.pendingOrderID, false)
	if err != nil {
		// Transient fetch failure: assume still pending, retry next tick.
		e.svc.Log.Warn("order status fetch failed", "order", track.pendingOrderID, "err", err)
		return orderDiag{OrderID: track.pendingOrderID, Status: track.orderStatus}, true, nil
	}

	diag := orderDiag{
		Symbol: track.resolvedSymbol, Side: spec.Side(),
		OrderID: track.pendingOrderID, Status: string(st.Status), Qty: st.Qty,
	}

	switch st.Status {
	case model.OrderComplete:
		qty := st.FilledQty
		if qty == 0 {
			qty = st.Qty
		}
		if err := e.recordEntryFill(n, spec, track, track.resolvedSymbol, st.AvgPrice, qty, e.tick.TS); err != nil {
			return orderDiag{}, false, err
		}
		track.orderStatus = string(model.OrderComplete)
		diag.Price = st.AvgPrice
		diag.PositionID = spec.VPI
		diag.PositionNum = e.svc.Positions.LatestPositionNum(spec.VPI)
		return diag, false, nil

	case model.OrderRejected, model.OrderCancelled:
		e.svc.Log.Warn("entry order not filled, manual intervention may be needed",
			"node", n.ID, "order", track.pendingOrderID,
			"status", st.Status, "reason", st.RejectionReason)
		track.orderStatus = string(st.Status)
		track.pendingOrderID = ""
		diag.Reason = st.RejectionReason
		return diag, false, nil
	}

	track.orderStatus = string(st.Status)
	return diag, true, nil
}

// recordEntryFill books the filled entry into the position store.
func (e *Engine) recordEntryFill(n *Node, spec *PositionSpec, track *orderTrack, symbol string, price, qty int64, at any) error {
	underlying, _ := e.svc.Quotes.Price(e.underlying)
	_, err := e.svc.Positions.AddPosition(spec.VPI, gps.EntryData{
		Symbol:           symbol,
		Side:             spec.Side(),
		Instrument:       n.entry.Instrument,
		Strategy:         e.strategyID,
		NodeID:           n.ID,
		Qty:              spec.qty(),
		Multiplier:       spec.mult() * e.scale,
		ActualQty:        qty,
		Price:            price,
		OrderID:          track.pendingOrderID,
		ExecID:           n.execID,
		UnderlyingPrice:  underlying,
		NodeVarsSnapshot: e.svc.Positions.NodeVars(n.ID),
	}, e.tick.TS)
	return err
}

// resolvePositionSymbol picks the concrete contract for a position spec.
func (e *Engine) resolvePositionSymbol(n *Node, spec *PositionSpec) (string, error) {
	if od := spec.OptionDetails; od != nil {
		base := n.entry.Instrument
		if base == "" {
			base = underlyingBase(e.underlying)
		}
		dyn := fmt.Sprintf("%s:%s:%s:%s", base, od.Expiry, od.StrikeType, od.OptionType)
		spot, _ := e.svc.Quotes.Price(e.underlying)
		return e.svc.Resolver.Resolve(dyn, e.tick.TS, spot)
	}
	if inst := n.entry.Instrument; inst != "" {
		if fno.IsDynamic(inst) {
			spot, _ := e.svc.Quotes.Price(e.underlying)
			return e.svc.Resolver.Resolve(inst, e.tick.TS, spot)
		}
		return inst, nil
	}
	return e.resolved, nil
}

// underlyingBase strips the exchange prefix from a spot symbol
// ("NSE:NIFTY 50" → "NIFTY").
func underlyingBase(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[i+1:]
	}
	if i := strings.Index(symbol, " "); i >= 0 {
		symbol = symbol[:i]
	}
	return symbol
}

// ── ExitNode ──

func (e *Engine) runExit(ctx context.Context, n *Node) (result, error) {
	cfg := n.exit.orderConfig()
	vpi := cfg.TargetPositionVpi
	track := &n.tracks[0]

	if model.OrderStatus(track.orderStatus) == "" {
		pos := e.svc.Positions.Get(vpi)
		if pos == nil || pos.OpenTransaction() == nil {
			// A peer exit closed it first; nothing to order.
			return result{completed: true, evaluation: orderDiag{
				PositionID: vpi, ExitReason: "position_already_closed",
			}}, nil
		}
		// Entry and exit on the same tick would trade against the same
		// print; wait one tick.
		if pos.EntryTickTS.Equal(e.tick.TS) {
			return result{evaluation: conditionDiag{Reason: "entry filled this tick"}}, nil
		}
		return e.placeExit(ctx, n, cfg, pos, track)
	}

	return e.pollExit(ctx, n, cfg, track)
}

func (e *Engine) placeExit(ctx context.Context, n *Node, cfg *ExitOrderConfig, pos *gps.Position, track *orderTrack) (result, error) {
	tx := pos.OpenTransaction()
	qty := tx.Qty
	if cfg.Quantity == "specific" && cfg.SpecificQuantity > 0 && cfg.SpecificQuantity < qty {
		qty = cfg.SpecificQuantity
	}
	side := oppositeSide(tx.Side)
	track.resolvedSymbol = pos.Symbol

	price, ok := e.fillPrice(pos.Symbol, pos.CurrentPrice)
	if !ok {
		return result{}, fmt.Errorf("no price for %s", pos.Symbol)
	}

	if e.mode == ModeBacktest {
		e.closeTarget(pos.PositionID, price, qty, "", n.execID, "exit_node")
		track.orderStatus = string(model.OrderComplete)
		return result{completed: true, evaluation: orderDiag{
			Symbol: pos.Symbol, Side: side, Qty: qty, Price: price,
			Status: string(model.OrderComplete), PositionID: pos.PositionID,
		}}, nil
	}

	ack, err := e.svc.Gateway.PlaceOrder(ctx, model.OrderRequest{
		Symbol:      pos.Symbol,
		Exchange:    pos.Exchange,
		Side:        side,
		OrderType:   orDefault(cfg.OrderType, "MARKET"),
		ProductType: "INTRADAY",
		Qty:         qty,
		Price:       price,
		NodeID:      n.ID,
	})
	if err != nil {
		e.svc.Log.Warn("exit order submit failed", "node", n.ID, "symbol", pos.Symbol, "err", err)
		return result{deactivate: true, evaluation: orderDiag{
			Symbol: pos.Symbol, Side: side, Qty: qty,
			Status: string(model.OrderRejected), Reason: err.Error(),
		}}, nil
	}

	track.pendingOrderID = ack.OrderID
	track.orderStatus = string(model.OrderPending)
	return result{pending: true, evaluation: orderDiag{
		Symbol: pos.Symbol, Side: side, Qty: qty,
		OrderID: ack.OrderID, Status: string(model.OrderPending),
	}}, nil
}

func (e *Engine) pollExit(ctx context.Context, n *Node, cfg *ExitOrderConfig, track *orderTrack) (result, error) {
	st, err := e.svc.Gateway.OrderStatus(ctx, track.pendingOrderID, false)
	if err != nil {
		e.svc.Log.Warn("order status fetch failed", "order", track.pendingOrderID, "err", err)
		return result{pending: true}, nil
	}

	diag := orderDiag{
		Symbol: track.resolvedSymbol, OrderID: track.pendingOrderID,
		Status: string(st.Status), PositionID: cfg.TargetPositionVpi,
	}

	switch st.Status {
	case model.OrderComplete:
		qty := st.FilledQty
		if qty == 0 {
			qty = st.Qty
		}
		e.closeTarget(cfg.TargetPositionVpi, st.AvgPrice, qty, track.pendingOrderID, n.execID, "exit_node")
		track.orderStatus = string(model.OrderComplete)
		diag.Price = st.AvgPrice
		diag.Qty = qty
		return result{completed: true, evaluation: diag}, nil

	case model.OrderRejected, model.OrderCancelled:
		e.svc.Log.Warn("exit order not filled, manual intervention may be needed",
			"node", n.ID, "order", track.pendingOrderID,
			"status", st.Status, "reason", st.RejectionReason)
		track.orderStatus = string(st.Status)
		diag.Reason = st.RejectionReason
		return result{deactivate: true, evaluation: diag}, nil
	}

	track.orderStatus = string(st.Status)
	return result{pending: true, evaluation: diag}, nil
}

func (e *Engine) closeTarget(positionID string, price, qty int64, orderID, execID, reason string) {
	e.svc.Positions.ClosePosition(positionID, gps.ExitData{
		Price:   price,
		Qty:     qty,
		OrderID: orderID,
		ExecID:  execID,
		Reason:  reason,
	}, e.tick.TS)
}

// ── SquareOffNode ──

func (e *Engine) runSquareOff(ctx context.Context, n *Node, reason string) (result, error) {
	if e.squareOffExecuted {
		return result{completed: true, evaluation: squareOffDiag{Reason: reason}}, nil
	}
	diag := &squareOffDiag{Reason: reason}
	if err := e.squareOffAll(ctx, diag, reason); err != nil {
		return result{}, err
	}
	return result{completed: true, evaluation: diag}, nil
}

// squareOffAll cancels in-flight orders (live), closes every open position
// with the LTP fallback chain, deactivates the whole graph and ends the
// strategy. Idempotent.
func (e *Engine) squareOffAll(ctx context.Context, diag *squareOffDiag, reason string) error {
	if e.squareOffExecuted {
		return nil
	}
	e.squareOffExecuted = true
	e.strategyEnded = true
	e.endReason = reason

	if e.mode == ModeLive {
		for _, n := range e.g.nodes {
			for i := range n.tracks {
				track := &n.tracks[i]
				if track.pendingOrderID == "" || model.OrderStatus(track.orderStatus).Terminal() {
					continue
				}
				if err := e.svc.Gateway.CancelOrder(ctx, track.pendingOrderID); err != nil {
					e.svc.Log.Warn("cancel failed during square-off",
						"order", track.pendingOrderID, "err", err)
				} else if diag != nil {
					diag.CancelledOrders = append(diag.CancelledOrders, track.pendingOrderID)
				}
			}
		}
	}

	for _, pos := range e.svc.Positions.OpenPositions() {
		price, _ := e.fillPrice(pos.Symbol, pos.CurrentPrice)
		e.closeTarget(pos.PositionID, price, 0, "", "", reason)
		if diag != nil {
			diag.ClosedPositions = append(diag.ClosedPositions, pos.PositionID)
		}
		e.svc.Log.Info("squared off position",
			"position", pos.PositionID, "symbol", pos.Symbol, "price", price)
	}

	for _, n := range e.g.nodes {
		n.status = Inactive
	}
	return nil
}

// fillPrice resolves an executable price in paise: the symbol's LTP, then
// the underlying's, then the supplied fallback.
func (e *Engine) fillPrice(symbol string, fallback int64) (int64, bool) {
	if p, ok := e.svc.Quotes.Price(symbol); ok {
		return p, true
	}
	if p, ok := e.svc.Quotes.Price(e.underlying); ok {
		return p, true
	}
	if fallback > 0 {
		return fallback, true
	}
	return 0, false
}

func oppositeSide(side string) string {
	if side == "BUY" {
		return "SELL"
	}
	return "BUY"
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
