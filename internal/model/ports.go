package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the session core from its external collaborators
// (tick history, broker, expiry calendar, strategy record store). Each
// adapter satisfies one of these.

// TickSource yields time-ordered ticks for one trading day (backtest) or an
// effectively-infinite live feed. Next returns ok=false once the source is
// exhausted or closed.
type TickSource interface {
	// Next returns the next tick in timestamp order.
	Next() (Tick, bool)

	// Total returns the total tick count if known (backtest), else 0.
	Total() int

	// Close releases underlying resources.
	Close() error
}

// OrderGateway is the broker adapter contract. Postbacks arrive
// asynchronously and update the gateway's in-memory order view; nodes read
// status via OrderStatus.
type OrderGateway interface {
	// PlaceOrder submits an order and returns the gateway order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	// OrderStatus returns the current view of an order. refresh=true forces
	// a broker round-trip instead of serving the postback-updated cache.
	OrderStatus(ctx context.Context, orderID string, refresh bool) (OrderState, error)

	// CancelOrder cancels a pending order.
	CancelOrder(ctx context.Context, orderID string) error
}

// ExpiryCalendar resolves upcoming derivative expiries for an underlying.
// Read-only and shared across sessions.
type ExpiryCalendar interface {
	// Upcoming returns the sorted upcoming expiry dates for the given cycle
	// ("W" weekly, "M" monthly, "Q" quarterly, "Y" yearly) on or after ref.
	Upcoming(base string, cycle string, ref time.Time) []time.Time

	// StrikeStep returns the strike interval for the underlying in paise.
	StrikeStep(base string) int64
}

// StrategyStore fetches the strategy graph JSON from the external record
// store by strategy id.
type StrategyStore interface {
	FetchStrategy(ctx context.Context, strategyID string) ([]byte, error)
}
