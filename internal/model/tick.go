package model

import "time"

// Tick represents a single market data tick.
// LTP is stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
type Tick struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	LTP      int64     `json:"ltp"`    // paise
	Qty      int64     `json:"qty"`    // last traded quantity
	Volume   int64     `json:"volume"` // cumulative day volume, 0 if unknown
	OI       int64     `json:"oi"`     // open interest, 0 if unknown
	TS       time.Time `json:"ts"`     // IST timestamp
}

// SecondBucket returns the Unix second this tick belongs to.
func (t *Tick) SecondBucket() int64 {
	return t.TS.Unix()
}
