package model

import (
	"encoding/json"
	"time"
)

// TradeStatus is the derived status of a trade projection.
type TradeStatus string

const (
	TradeOpen    TradeStatus = "OPEN"
	TradePartial TradeStatus = "PARTIAL"
	TradeClosed  TradeStatus = "CLOSED"
)

// Trade is a derived projection joining one entry execution with its exit
// execution(s) for the same (position_id, re_entry_num). Upserted whenever
// its status changes.
type Trade struct {
	TradeID     string      `json:"trade_id"` // position_id, or position_id-r<N> for N>=1
	PositionID  string      `json:"position_id"`
	ReEntryNum  int         `json:"re_entry_num"`
	Symbol      string      `json:"symbol"`
	Exchange    string      `json:"exchange"`
	Side        string      `json:"side"`
	Quantity    int64       `json:"quantity"`
	QtyClosed   int64       `json:"qty_closed"`
	EntryPrice  int64       `json:"entry_price"` // paise
	ExitPrice   int64       `json:"exit_price"`  // paise, 0 while open
	EntryTime   time.Time   `json:"entry_time"`
	ExitTime    time.Time   `json:"exit_time,omitempty"`
	RealizedPnL int64       `json:"realized_pnl"` // paise
	Status      TradeStatus `json:"status"`
	EntryExecID string      `json:"entry_exec_id,omitempty"`
	ExitExecID  string      `json:"exit_exec_id,omitempty"`
	Strategy    string      `json:"strategy,omitempty"`
}

// TradeID formats the canonical trade id for a (position_id, re_entry_num).
func FormatTradeID(positionID string, reEntryNum int) string {
	if reEntryNum <= 0 {
		return positionID
	}
	return positionID + "-r" + itoa(reEntryNum)
}

// DeriveStatus computes the trade status from closed vs total quantity.
func DeriveStatus(qtyClosed, quantity int64) TradeStatus {
	switch {
	case qtyClosed == 0:
		return TradeOpen
	case qtyClosed < quantity:
		return TradePartial
	default:
		return TradeClosed
	}
}

// JSON returns the JSONL line for this trade.
func (t *Trade) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
