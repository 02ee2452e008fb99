// Package candle provides the per-session multi-timeframe candle builder.
// It consumes raw ticks and maintains, per registered (symbol, timeframe),
// a forming candle plus an append-only completed-candle history. Completion
// is detected when a tick crosses the bucket boundary; the completed candle
// is immutable from then on (the indicator engine writes into its Indicators
// map inside the completion callback, before anyone else sees it).
package candle

import (
	"log"
	"time"

	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/model"
)

// DefaultHistory is the number of completed candles retained per series.
// Must cover the largest indicator warm-up window.
const DefaultHistory = 500

// CompleteFn is invoked synchronously when a candle completes, before it
// becomes visible through History.
type CompleteFn func(c *model.Candle)

// series holds the forming candle and completed history for one (symbol, tf).
type series struct {
	symbol string
	tf     int // minutes
	bucket int64
	// forming is nil until the first tick of the series arrives.
	forming   *model.Candle
	completed []*model.Candle
}

// Builder aggregates ticks into OHLCV candles for every registered series.
// Single-goroutine by design: it runs inside the session scheduler.
type Builder struct {
	series     map[string]*series // key = "symbol:TFm"
	maxHistory int

	onComplete CompleteFn

	// Metrics hook (optional, set externally)
	OnDroppedTick func()
}

// New creates a Builder. onComplete may be nil.
func New(onComplete CompleteFn) *Builder {
	return &Builder{
		series:     make(map[string]*series, 8),
		maxHistory: DefaultHistory,
		onComplete: onComplete,
	}
}

// Register enables candle construction for (symbol, tf minutes).
// Idempotent.
func (b *Builder) Register(symbol string, tf int) {
	key := seriesKey(symbol, tf)
	if _, ok := b.series[key]; ok {
		return
	}
	b.series[key] = &series{
		symbol:    symbol,
		tf:        tf,
		completed: make([]*model.Candle, 0, b.maxHistory),
	}
}

// OnTick feeds one tick into every series registered for the tick's symbol.
// Out-of-order ticks (earlier than the forming bucket) are dropped.
func (b *Builder) OnTick(t model.Tick) {
	for _, s := range b.series {
		if s.symbol != t.Symbol {
			continue
		}
		b.processTick(s, t)
	}
}

func (b *Builder) processTick(s *series, t model.Tick) {
	// Bucket boundaries are IST wall-clock floors. Flooring raw Unix time
	// would put 60m candles on :30 boundaries (IST is UTC+5:30).
	tfSec := int64(s.tf) * 60
	_, zone := t.TS.In(model.IST).Zone()
	wall := t.TS.Unix() + int64(zone)
	bucket := wall - wall%tfSec - int64(zone)

	if s.forming != nil && bucket < s.bucket {
		// Late tick — belongs to an older bucket, drop it
		log.Printf("[candle] dropping out-of-order tick %s ts=%v (forming bucket %d)",
			t.Symbol, t.TS, s.bucket)
		if b.OnDroppedTick != nil {
			b.OnDroppedTick()
		}
		return
	}

	if s.forming != nil && bucket > s.bucket {
		// New bucket — complete the forming candle first
		b.complete(s)
	}

	if s.forming == nil {
		s.bucket = bucket
		s.forming = &model.Candle{
			Symbol:    t.Symbol,
			TF:        s.tf,
			TS:        time.Unix(bucket, 0).In(model.IST),
			Open:      t.LTP,
			High:      t.LTP,
			Low:       t.LTP,
			Close:     t.LTP,
			Volume:    t.Qty,
			TickCount: 1,
		}
		return
	}

	// Same bucket — update OHLC
	c := s.forming
	if t.LTP > c.High {
		c.High = t.LTP
	}
	if t.LTP < c.Low {
		c.Low = t.LTP
	}
	c.Close = t.LTP
	c.Volume += t.Qty
	c.TickCount++
}

// complete finalizes the forming candle: appends it to history (evicting the
// oldest beyond maxHistory) and fires the completion callback.
func (b *Builder) complete(s *series) {
	done := s.forming
	s.forming = nil
	metrics.CandlesTotal.Inc()

	if b.onComplete != nil {
		b.onComplete(done)
	}

	if len(s.completed) >= b.maxHistory {
		copy(s.completed, s.completed[1:])
		s.completed[len(s.completed)-1] = done
	} else {
		s.completed = append(s.completed, done)
	}
}

// Forming returns the in-progress candle for a series, or nil.
func (b *Builder) Forming(symbol string, tf int) *model.Candle {
	s, ok := b.series[seriesKey(symbol, tf)]
	if !ok {
		return nil
	}
	return s.forming
}

// History returns the completed candles for a series, oldest first.
// The returned slice is the builder's own storage — callers must not mutate.
func (b *Builder) History(symbol string, tf int) []*model.Candle {
	s, ok := b.series[seriesKey(symbol, tf)]
	if !ok {
		return nil
	}
	return s.completed
}

// Field resolves a candle field at a non-positive offset for the expression
// evaluator. Offset 0 reads the forming candle; -1 is the most recently
// completed candle, -2 the one before it, and so on.
func (b *Builder) Field(symbol string, tf int, field string, offset int) (int64, bool) {
	s, ok := b.series[seriesKey(symbol, tf)]
	if !ok || offset > 0 {
		return 0, false
	}

	var c *model.Candle
	if offset == 0 {
		c = s.forming
	} else {
		idx := len(s.completed) + offset // offset -1 → last completed
		if idx < 0 || idx >= len(s.completed) {
			return 0, false
		}
		c = s.completed[idx]
	}
	if c == nil {
		return 0, false
	}

	switch field {
	case "open":
		return c.Open, true
	case "high":
		return c.High, true
	case "low":
		return c.Low, true
	case "close":
		return c.Close, true
	case "volume":
		return c.Volume, true
	default:
		return 0, false
	}
}

// Indicator resolves an indicator value at a non-positive offset.
// Offset 0 is the most recently completed candle's value.
func (b *Builder) Indicator(symbol string, tf int, key string, offset int) (float64, bool) {
	s, ok := b.series[seriesKey(symbol, tf)]
	if !ok || offset > 0 {
		return 0, false
	}
	idx := len(s.completed) - 1 + offset
	if idx < 0 || idx >= len(s.completed) {
		return 0, false
	}
	c := s.completed[idx]
	if c.Indicators == nil {
		return 0, false
	}
	v, ok := c.Indicators[key]
	return v, ok
}

// FlushAll completes every forming candle (end of day / shutdown).
func (b *Builder) FlushAll() {
	for _, s := range b.series {
		if s.forming != nil {
			b.complete(s)
		}
	}
}

func seriesKey(symbol string, tf int) string {
	c := model.Candle{Symbol: symbol, TF: tf}
	return c.Key()
}
