// Package gps is the Global Position Store: the per-strategy transactional
// position ledger. It enforces the single-open-transaction invariant per
// position id, allocates sequential position numbers, and does all P&L
// accounting in paise.
//
// The store is owned by one session and mutated only by the session's
// scheduler — no locks in the hot path.
package gps

import (
	"errors"
	"fmt"
	"time"

	"strategy-systemv1/internal/ltp"
	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/model"
)

// ErrConcurrentOpenPosition is returned when an entry is added while an
// open transaction already exists for the same position id. This is a
// programmer/strategy error and is fatal for the session.
var ErrConcurrentOpenPosition = errors.New("gps: concurrent open position")

// TxStatus is the lifecycle state of one entry/exit transaction pair.
type TxStatus string

const (
	TxOpen   TxStatus = "open"
	TxClosed TxStatus = "closed"
)

// Transaction is one entry-fill/exit-fill pair inside a position.
type Transaction struct {
	Status      TxStatus  `json:"status"`
	ReEntryNum  int       `json:"re_entry_num"` // position_num - 1
	Side        string    `json:"side"`         // BUY, SELL
	Qty         int64     `json:"qty"`          // actual quantity
	EntryPrice  int64     `json:"entry_price"`  // paise
	ExitPrice   int64     `json:"exit_price"`   // paise
	ExitQty     int64     `json:"exit_qty"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time,omitempty"`
	RealizedPnL int64     `json:"realized_pnl"` // paise
	OrderID     string    `json:"order_id,omitempty"`
	ExitOrderID string    `json:"exit_order_id,omitempty"`
	ExecID      string    `json:"exec_id,omitempty"`
	ExitExecID  string    `json:"exit_exec_id,omitempty"`
	ExitReason  string    `json:"exit_reason,omitempty"`
}

// Position is the ledger entity for one position id. Top-level fields
// mirror the latest transaction; Transactions is append-only with at most
// one open transaction at the end.
type Position struct {
	PositionID  string `json:"position_id"` // derived from entry node's VPI
	Status      TxStatus
	PositionNum int `json:"position_num"` // 1,2,3… per position_id

	Symbol     string `json:"symbol"`
	Exchange   string `json:"exchange"`
	Side       string `json:"side"`
	Instrument string `json:"instrument,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	NodeID     string `json:"node_id"`

	EntryTime time.Time `json:"entry_time"`
	ExitTime  time.Time `json:"exit_time,omitempty"`

	EntryPrice    int64 `json:"entry_price"`    // paise
	ExitPrice     int64 `json:"exit_price"`     // paise
	CurrentPrice  int64 `json:"current_price"`  // paise
	UnrealizedPnL int64 `json:"unrealized_pnl"` // paise
	RealizedPnL   int64 `json:"realized_pnl"`   // paise
	PnL           int64 `json:"pnl"`            // realized + unrealized

	Qty        int64 `json:"quantity"`
	Multiplier int64 `json:"multiplier"`
	ActualQty  int64 `json:"actual_quantity"` // quantity * multiplier * scale

	UnderlyingOnEntry int64 `json:"underlying_price_on_entry"` // paise

	NodeVarsSnapshot map[string]float64 `json:"node_variables_snapshot,omitempty"`

	// EntryTickTS is the tick timestamp on which the latest transaction was
	// opened; exit nodes use it to defer same-tick open-and-close.
	EntryTickTS time.Time `json:"-"`

	Transactions []*Transaction `json:"transactions"`
}

// OpenTransaction returns the trailing open transaction, or nil.
func (p *Position) OpenTransaction() *Transaction {
	if n := len(p.Transactions); n > 0 && p.Transactions[n-1].Status == TxOpen {
		return p.Transactions[n-1]
	}
	return nil
}

// EntryData carries everything an entry node knows at fill time.
type EntryData struct {
	Symbol           string
	Exchange         string
	Side             string
	Instrument       string
	Strategy         string
	NodeID           string
	Qty              int64
	Multiplier       int64
	ActualQty        int64 // pre-computed qty*multiplier*scale; derived when 0
	Price            int64 // fill price in paise
	OrderID          string
	ExecID           string
	UnderlyingPrice  int64
	NodeVarsSnapshot map[string]float64
	EntryTime        any // epoch s/ms, string, or time.Time; tick time when nil
}

// ExitData carries everything an exit node knows at fill time.
type ExitData struct {
	Price    int64 // fill price in paise
	Qty      int64 // 0 = close full transaction quantity
	OrderID  string
	ExecID   string
	Reason   string
	ExitTime any
}

// Store is the per-session position ledger.
type Store struct {
	positions map[string]*Position
	order     []string // position ids in first-add order

	// counters is the per-day position_num allocator; the single source of
	// truth for re-entry numbering.
	counters map[string]int

	// nodeVars[nodeID][name] — computed node variables readable by any
	// later node's expressions.
	nodeVars map[string]map[string]float64

	// underlying is the strategy's primary (spot) symbol, used as the LTP
	// fallback when a position's own symbol has no quote yet.
	underlying string
}

// New creates an empty ledger. underlying is the strategy's primary symbol.
func New(underlying string) *Store {
	return &Store{
		positions:  make(map[string]*Position),
		counters:   make(map[string]int),
		nodeVars:   make(map[string]map[string]float64),
		underlying: underlying,
	}
}

// SetUnderlying updates the fallback symbol (set after F&O resolution).
func (s *Store) SetUnderlying(symbol string) { s.underlying = symbol }

// AddPosition opens a new transaction for positionID. Fails with
// ErrConcurrentOpenPosition if an open transaction already exists.
func (s *Store) AddPosition(positionID string, e EntryData, tickTime time.Time) (*Position, error) {
	p := s.positions[positionID]
	if p != nil && p.OpenTransaction() != nil {
		return nil, fmt.Errorf("%w: %s", ErrConcurrentOpenPosition, positionID)
	}

	s.counters[positionID]++
	num := s.counters[positionID]

	actual := e.ActualQty
	if actual == 0 {
		mult := e.Multiplier
		if mult <= 0 {
			mult = 1
		}
		actual = e.Qty * mult
	}

	entryTime := tickTime
	if e.EntryTime != nil {
		if t, err := model.ParseTime(e.EntryTime); err == nil {
			entryTime = t
		}
	}

	exchange := e.Exchange
	if exchange == "" {
		exchange = model.DefaultExchange(e.Symbol)
	}

	tx := &Transaction{
		Status:     TxOpen,
		ReEntryNum: num - 1,
		Side:       e.Side,
		Qty:        actual,
		EntryPrice: e.Price,
		EntryTime:  entryTime,
		OrderID:    e.OrderID,
		ExecID:     e.ExecID,
	}

	if p == nil {
		p = &Position{PositionID: positionID}
		s.positions[positionID] = p
		s.order = append(s.order, positionID)
	}

	p.Status = TxOpen
	p.PositionNum = num
	p.Symbol = e.Symbol
	p.Exchange = exchange
	p.Side = e.Side
	p.Instrument = e.Instrument
	p.Strategy = e.Strategy
	p.NodeID = e.NodeID
	p.EntryTime = entryTime
	p.ExitTime = time.Time{}
	p.EntryPrice = e.Price
	p.ExitPrice = 0
	p.CurrentPrice = e.Price
	p.UnrealizedPnL = 0
	p.Qty = e.Qty
	p.Multiplier = e.Multiplier
	p.ActualQty = actual
	p.UnderlyingOnEntry = e.UnderlyingPrice
	p.NodeVarsSnapshot = copyVars(e.NodeVarsSnapshot)
	p.EntryTickTS = tickTime
	p.Transactions = append(p.Transactions, tx)
	p.PnL = p.RealizedPnL
	metrics.PositionsOpened.Inc()

	return p, nil
}

// ClosePosition closes the open transaction for positionID. A no-op when
// there is no open transaction (defensive idempotence): returns nil, false.
func (s *Store) ClosePosition(positionID string, x ExitData, tickTime time.Time) (*Transaction, bool) {
	p := s.positions[positionID]
	if p == nil {
		return nil, false
	}
	tx := p.OpenTransaction()
	if tx == nil {
		return nil, false
	}

	exitTime := tickTime
	if x.ExitTime != nil {
		if t, err := model.ParseTime(x.ExitTime); err == nil {
			exitTime = t
		}
	}

	exitQty := x.Qty
	if exitQty <= 0 || exitQty > tx.Qty {
		exitQty = tx.Qty
	}

	tx.Status = TxClosed
	tx.ExitPrice = x.Price
	tx.ExitQty = exitQty
	tx.ExitTime = exitTime
	tx.ExitOrderID = x.OrderID
	tx.ExitExecID = x.ExecID
	tx.ExitReason = x.Reason
	tx.RealizedPnL = sidePnL(tx.Side, tx.EntryPrice, x.Price, exitQty)

	// Realized P&L is the sum over all closed transactions, so reports
	// across a day-boundary counter reset stay meaningful.
	var realized int64
	for _, t := range p.Transactions {
		if t.Status == TxClosed {
			realized += t.RealizedPnL
		}
	}

	p.Status = TxClosed
	p.ExitTime = exitTime
	p.ExitPrice = x.Price
	p.RealizedPnL = realized
	p.UnrealizedPnL = 0
	p.PnL = realized

	return tx, true
}

// UpdatePrices refreshes current_price and unrealized P&L for every open
// position from the LTP store. Lookup order: position symbol, then the
// underlying symbol, then the position's last current_price.
func (s *Store) UpdatePrices(quotes *ltp.Store) {
	for _, id := range s.order {
		p := s.positions[id]
		tx := p.OpenTransaction()
		if tx == nil {
			continue
		}

		price := p.CurrentPrice
		if v, ok := quotes.Price(p.Symbol); ok {
			price = v
		} else if v, ok := quotes.Price(s.underlying); ok {
			price = v
		}

		p.CurrentPrice = price
		p.UnrealizedPnL = sidePnL(tx.Side, tx.EntryPrice, price, tx.Qty)
		p.PnL = p.RealizedPnL + p.UnrealizedPnL
	}
}

// sidePnL applies the side rule: BUY profits when exit > entry, SELL the
// opposite.
func sidePnL(side string, entry, exit, qty int64) int64 {
	if side == "SELL" {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

// HasOpenPosition reports whether positionID has an open transaction.
func (s *Store) HasOpenPosition(positionID string) bool {
	p := s.positions[positionID]
	return p != nil && p.OpenTransaction() != nil
}

// LatestPositionNum returns the current position_num counter for an id
// (0 if never opened today).
func (s *Store) LatestPositionNum(positionID string) int {
	return s.counters[positionID]
}

// Get returns the position for an id, or nil.
func (s *Store) Get(positionID string) *Position {
	return s.positions[positionID]
}

// OpenPositions returns all positions with an open transaction, in
// first-add order.
func (s *Store) OpenPositions() []*Position {
	var out []*Position
	for _, id := range s.order {
		if p := s.positions[id]; p.OpenTransaction() != nil {
			out = append(out, p)
		}
	}
	return out
}

// ClosedPositions returns all positions whose latest transaction is closed.
func (s *Store) ClosedPositions() []*Position {
	var out []*Position
	for _, id := range s.order {
		p := s.positions[id]
		if len(p.Transactions) > 0 && p.OpenTransaction() == nil {
			out = append(out, p)
		}
	}
	return out
}

// All returns every position in first-add order.
func (s *Store) All() []*Position {
	out := make([]*Position, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.positions[id])
	}
	return out
}

// TotalPnL sums pnl over all positions, in paise.
func (s *Store) TotalPnL() int64 {
	var total int64
	for _, id := range s.order {
		total += s.positions[id].PnL
	}
	return total
}

// ResetDay clears the position_num counters at a day boundary. Historical
// transactions are left intact.
func (s *Store) ResetDay(tickTime time.Time) {
	s.counters = make(map[string]int)
}

// ── Node variables ──

// SetNodeVar stores a computed variable for a node.
func (s *Store) SetNodeVar(nodeID, name string, value float64) {
	vars, ok := s.nodeVars[nodeID]
	if !ok {
		vars = make(map[string]float64, 4)
		s.nodeVars[nodeID] = vars
	}
	vars[name] = value
}

// NodeVar looks up a computed variable by node id and name.
func (s *Store) NodeVar(nodeID, name string) (float64, bool) {
	v, ok := s.nodeVars[nodeID][name]
	return v, ok
}

// NodeVars returns a copy of a node's variables.
func (s *Store) NodeVars(nodeID string) map[string]float64 {
	return copyVars(s.nodeVars[nodeID])
}

func copyVars(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
