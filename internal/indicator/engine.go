package indicator

import "strategy-systemv1/internal/model"

// Config specifies a single registered indicator.
// Key is the name the strategy graph refers to it by (e.g. "rsi_14").
type Config struct {
	Key    string `json:"key"`
	Type   string `json:"type"` // "SMA", "EMA", "RSI", "SMMA"
	Period int    `json:"period"`
}

// registration pairs a config with its live indicator instance.
type registration struct {
	cfg Config
	ind Indicator
}

// Engine computes registered indicators as candles complete and writes the
// values into each completed candle's Indicators map. Latest scalars are also
// cached for O(1) reads by the graph.
// Designed for single-goroutine usage — no locks needed.
type Engine struct {
	// regs[seriesKey] → registrations for that (symbol, tf)
	regs map[string][]*registration
}

// NewEngine creates an empty indicator engine.
func NewEngine() *Engine {
	return &Engine{regs: make(map[string][]*registration, 8)}
}

// Register adds an indicator for (symbol, tf minutes). Duplicate keys for
// the same series are ignored.
func (e *Engine) Register(symbol string, tf int, cfg Config) {
	key := seriesKey(symbol, tf)
	for _, r := range e.regs[key] {
		if r.cfg.Key == cfg.Key {
			return
		}
	}
	e.regs[key] = append(e.regs[key], &registration{
		cfg: cfg,
		ind: New(cfg.Type, cfg.Period),
	})
}

// OnCandleComplete updates every indicator registered for the candle's
// series and writes ready values into the candle's Indicators map.
// Intended to be wired as the candle builder's completion callback.
func (e *Engine) OnCandleComplete(c *model.Candle) {
	regs, ok := e.regs[c.Key()]
	if !ok {
		return
	}
	for _, r := range regs {
		r.ind.Update(c)
		if !r.ind.Ready() {
			continue // warm-up: value stays null
		}
		if c.Indicators == nil {
			c.Indicators = make(map[string]float64, len(regs))
		}
		c.Indicators[r.cfg.Key] = r.ind.Value()
	}
}

// WarmUp seeds indicator state from historical candles (oldest first)
// before the session's first live tick. Values are written into the
// supplied candles exactly as they would be during the session.
func (e *Engine) WarmUp(history []*model.Candle) {
	for _, c := range history {
		e.OnCandleComplete(c)
	}
}

// Latest returns the cached latest value for (symbol, tf, key).
// ok=false while the indicator is warming up or unknown.
func (e *Engine) Latest(symbol string, tf int, key string) (float64, bool) {
	for _, r := range e.regs[seriesKey(symbol, tf)] {
		if r.cfg.Key == key {
			if !r.ind.Ready() {
				return 0, false
			}
			return r.ind.Value(), true
		}
	}
	return 0, false
}

// Registered returns the configs registered for a series.
func (e *Engine) Registered(symbol string, tf int) []Config {
	regs := e.regs[seriesKey(symbol, tf)]
	out := make([]Config, len(regs))
	for i, r := range regs {
		out[i] = r.cfg
	}
	return out
}

func seriesKey(symbol string, tf int) string {
	c := model.Candle{Symbol: symbol, TF: tf}
	return c.Key()
}
