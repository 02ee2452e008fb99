package model

import (
	"encoding/json"
	"time"
)

// Candle represents an OHLCV candle for one (symbol, timeframe) pair.
// TF is the timeframe in minutes. All prices are in paise (int64).
// Indicators is filled in by the indicator engine once the candle completes;
// a missing key means the indicator was still warming up.
type Candle struct {
	Symbol     string             `json:"symbol"`
	TF         int                `json:"tf"` // timeframe in minutes
	TS         time.Time          `json:"ts"` // bucket start (IST, TF-aligned)
	Open       int64              `json:"open"`
	High       int64              `json:"high"`
	Low        int64              `json:"low"`
	Close      int64              `json:"close"`
	Volume     int64              `json:"volume"`
	TickCount  int                `json:"tick_count"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Key returns a unique key for this candle's series: "symbol:TFm".
func (c *Candle) Key() string {
	return c.Symbol + ":" + itoa(c.TF) + "m"
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// itoa is a minimal int-to-string without importing strconv in hot path.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
