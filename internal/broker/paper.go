// Package broker provides OrderGateway implementations: a paper gateway
// that fills instantly for simulation, and a SmartAPI adapter for live
// trading.
package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/model"
)

// QuoteFn resolves the current price in paise for a symbol.
type QuoteFn func(symbol string) (int64, bool)

// Paper simulates order execution without broker calls. Orders fill
// immediately at the quoted price plus configurable slippage.
type Paper struct {
	mu       sync.RWMutex
	orders   map[string]model.OrderState
	orderSeq int64

	quote       QuoteFn
	slippageBps int64 // basis points, 5 = 0.05%
}

// NewPaper creates a paper gateway. quote may be nil when callers always
// pass a limit price.
func NewPaper(quote QuoteFn, slippageBps int64) *Paper {
	return &Paper{
		orders:      make(map[string]model.OrderState, 64),
		quote:       quote,
		slippageBps: slippageBps,
	}
}

// PlaceOrder fills the order immediately.
func (p *Paper) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderAck, error) {
	price := req.Price
	if price == 0 && p.quote != nil {
		if q, ok := p.quote(req.Symbol); ok {
			price = q
		}
	}
	if price == 0 {
		return model.OrderAck{}, fmt.Errorf("broker: no price for %s", req.Symbol)
	}

	slippage := int64(0)
	if p.slippageBps > 0 {
		slippage = price * p.slippageBps / 10000
		if req.Side == "BUY" {
			price += slippage // buy higher
		} else {
			price -= slippage // sell lower
		}
	}

	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.orders[orderID] = model.OrderState{
		OrderID:     orderID,
		Status:      model.OrderComplete,
		Qty:         req.Qty,
		FilledQty:   req.Qty,
		AvgPrice:    price,
		CompletedAt: time.Now(),
	}
	p.mu.Unlock()

	metrics.OrdersPlaced.WithLabelValues(req.Side).Inc()
	log.Printf("[paper] %s %s:%s qty=%d price=%d (slip=%d) order=%s node=%s",
		req.Side, req.Exchange, req.Symbol, req.Qty, price, slippage, orderID, req.NodeID)

	return model.OrderAck{OrderID: orderID, BrokerOrderID: orderID}, nil
}

// OrderStatus returns the in-memory view; paper orders are always final.
func (p *Paper) OrderStatus(ctx context.Context, orderID string, refresh bool) (model.OrderState, error) {
	p.mu.RLock()
	st, ok := p.orders[orderID]
	p.mu.RUnlock()
	if !ok {
		return model.OrderState{}, fmt.Errorf("broker: unknown order %s", orderID)
	}
	return st, nil
}

// CancelOrder is a no-op for already-filled paper orders.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.RLock()
	_, ok := p.orders[orderID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("broker: unknown order %s", orderID)
	}
	return nil
}
