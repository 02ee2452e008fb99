// Package indicator provides incremental technical indicator calculations
// over completed candles.
//
// All indicators implement the Indicator interface, receiving candles and
// producing float64 values. Updates are O(1) — no history scans.
package indicator

import "strategy-systemv1/internal/model"

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator type name (e.g., "SMA", "EMA").
	Name() string

	// Update feeds a newly completed candle and recalculates.
	Update(candle *model.Candle)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true once the warm-up window has been accumulated.
	// Before that the indicator value is treated as null downstream.
	Ready() bool
}

// New constructs an indicator by type name. Unknown types fall back to SMA.
func New(typ string, period int) Indicator {
	switch typ {
	case "SMA":
		return NewSMA(period)
	case "EMA":
		return NewEMA(period)
	case "RSI":
		return NewRSI(period)
	case "SMMA":
		return NewSMMA(period)
	default:
		return NewSMA(period)
	}
}
