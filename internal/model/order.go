package model

import "time"

// OrderStatus is the broker-side order lifecycle state.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderComplete        OrderStatus = "COMPLETE"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderComplete || s == OrderRejected || s == OrderCancelled
}

// OrderRequest is what a strategy node submits to the OrderGateway.
type OrderRequest struct {
	Symbol      string `json:"symbol"`
	Exchange    string `json:"exchange"`
	Side        string `json:"side"`         // BUY, SELL
	OrderType   string `json:"order_type"`   // MARKET, LIMIT
	ProductType string `json:"product_type"` // INTRADAY, DELIVERY, CARRYFORWARD
	Qty         int64  `json:"qty"`
	Price       int64  `json:"price"` // limit price in paise (0 for market)
	NodeID      string `json:"node_id"`
}

// OrderAck is the gateway's acceptance of an order.
type OrderAck struct {
	OrderID       string `json:"order_id"`
	BrokerOrderID string `json:"broker_order_id"`
}

// OrderState is the gateway's current view of an order, updated by
// postbacks and refreshed on demand.
type OrderState struct {
	OrderID         string      `json:"order_id"`
	Status          OrderStatus `json:"status"`
	Qty             int64       `json:"qty"`
	FilledQty       int64       `json:"filled_qty"`
	AvgPrice        int64       `json:"avg_price"` // fill average in paise
	CompletedAt     time.Time   `json:"completed_at"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
}
