// Package session runs strategy executions: each Session owns one tick
// scheduler, one strategy graph engine and all its market state, and
// publishes snapshots to subscribers through a Publisher.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"strategy-systemv1/internal/candle"
	"strategy-systemv1/internal/fno"
	"strategy-systemv1/internal/gps"
	"strategy-systemv1/internal/graph"
	"strategy-systemv1/internal/indicator"
	"strategy-systemv1/internal/ltp"
	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/model"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// minPace bounds the live-sim sleep between second-buckets.
const minPace = 50 * time.Millisecond

// Publisher pushes serialized snapshots to a session's subscribers.
// Event is "data" while running and "completed" for the final snapshot.
type Publisher interface {
	Publish(sessionID, event string, payload []byte)
}

// Config describes one session to run.
type Config struct {
	UserID     string
	StrategyID string
	Strategy   []byte // strategy JSON document
	Mode       graph.Mode
	Speed      float64 // live-sim wall-clock ratio; <=0 disables pacing
	Scale      int64
	Date       time.Time

	PersistRoot string // JSONL root; empty disables persistence
	Resume      bool   // keep existing JSONL files instead of truncating
}

// ID derives the stable session id so a re-subscription lands on the same
// session.
func ID(userID, strategyID string, date time.Time) string {
	return fmt.Sprintf("%s:%s:%s", userID, strategyID, date.Format("2006-01-02"))
}

// Session is one running strategy execution. The Run loop is the only
// writer of market state; the mutex guards the snapshot state that WS and
// initial-state handlers read concurrently.
type Session struct {
	SID string
	cfg Config

	eng        *graph.Engine
	quotes     *ltp.Store
	candles    *candle.Builder
	indicators *indicator.Engine
	positions  *gps.Store

	src model.TickSource
	pub Publisher
	log *slog.Logger

	persist *persister

	mu           sync.Mutex
	status       Status
	failure      string
	curTime      time.Time
	processed    int
	total        int
	lastActivity time.Time

	// accumulated events, upserted by exec id so a pending record is
	// replaced by its completion
	events   []model.Event
	eventIdx map[string]int

	trades   []model.Trade
	tradeIdx map[string]int

	deltaEvents []model.Event
	deltaTrades []model.Trade

	cancel context.CancelFunc
}

// Deps are the shared collaborators a session runs against.
type Deps struct {
	Source   model.TickSource
	Gateway  model.OrderGateway
	Calendar model.ExpiryCalendar
	Notifier graph.Notifier
	Pub      Publisher
	Log      *slog.Logger
}

// New builds a session with fresh per-session market state. Fatal on a
// malformed strategy document.
func New(cfg Config, deps Deps) (*Session, error) {
	g, err := graph.Parse(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		SID:          ID(cfg.UserID, cfg.StrategyID, cfg.Date),
		cfg:          cfg,
		quotes:       ltp.New(),
		positions:    gps.New(""),
		src:          deps.Source,
		pub:          deps.Pub,
		status:       StatusCreated,
		eventIdx:     make(map[string]int),
		tradeIdx:     make(map[string]int),
		lastActivity: time.Now(),
	}
	s.log = logger.With("session", s.SID)

	s.indicators = indicator.NewEngine()
	s.candles = candle.New(s.indicators.OnCandleComplete)
	s.candles.OnDroppedTick = metrics.DroppedTicks.Inc

	s.eng = graph.NewEngine(g, graph.Services{
		Quotes:     s.quotes,
		Candles:    s.candles,
		Indicators: s.indicators,
		Positions:  s.positions,
		Resolver:   fno.New(deps.Calendar),
		Gateway:    deps.Gateway,
		Notifier:   deps.Notifier,
		Log:        s.log,
	}, cfg.Mode, cfg.StrategyID, cfg.Scale, s.onEvent)

	if cfg.PersistRoot != "" {
		s.persist, err = newPersister(cfg.PersistRoot, cfg.Date, cfg.UserID, cfg.StrategyID, cfg.Resume)
		if err != nil {
			return nil, fmt.Errorf("session %s: persistence: %w", s.SID, err)
		}
	}
	return s, nil
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stop cancels the run loop; the session transitions to stopped between
// buckets.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LastActivity is used by the registry's TTL eviction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// WarmUp replays historical candles (oldest first) through the indicator
// engine before the first live tick.
func (s *Session) WarmUp(history []*model.Candle) {
	s.indicators.WarmUp(history)
}

// Run executes the session to completion. It is the session's single
// goroutine; everything market-facing happens here.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.status = StatusRunning
	s.mu.Unlock()

	s.eng.RegisterMarketData()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	s.log.Info("session started", "mode", s.cfg.Mode, "total_ticks", s.src.Total())

	s.mu.Lock()
	s.total = s.src.Total()
	s.mu.Unlock()

	err := s.loop(ctx)

	switch {
	case err != nil && ctx.Err() != nil:
		s.finish(StatusStopped, "")
		err = nil
	case err != nil:
		s.finish(StatusError, err.Error())
	default:
		s.finish(StatusCompleted, "")
	}

	if s.persist != nil {
		s.persist.Close()
	}
	return err
}

func (s *Session) loop(ctx context.Context) error {
	var (
		bucket    []model.Tick
		bucketSec int64
		curDay    string
	)

	flush := func() error {
		if len(bucket) == 0 {
			return nil
		}
		day := bucket[0].TS.Format("2006-01-02")
		if day != curDay {
			if curDay != "" {
				s.candles.FlushAll()
			}
			s.eng.ResetDay(bucket[0].TS)
			curDay = day
		}
		err := s.processBucket(ctx, bucket)
		bucket = bucket[:0]
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t, ok := s.src.Next()
		if !ok {
			return flush()
		}

		sec := t.SecondBucket()
		if len(bucket) > 0 && sec != bucketSec {
			prev := bucketSec
			if err := flush(); err != nil {
				return err
			}
			s.pace(ctx, prev, sec)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		bucketSec = sec
		bucket = append(bucket, t)

		if s.eng.Ended() {
			// Drain remaining ticks without evaluating: the strategy is
			// done for the day but progress still advances.
			s.drain(ctx, &bucket)
			return nil
		}
	}
}

// processBucket feeds every tick of one second into the market state and
// runs a single graph traversal on the bucket's last tick.
func (s *Session) processBucket(ctx context.Context, bucket []model.Tick) error {
	for _, t := range bucket {
		s.quotes.Update(t)
		s.candles.OnTick(t)
	}
	last := bucket[len(bucket)-1]

	start := time.Now()
	if err := s.eng.OnTick(ctx, last); err != nil {
		return err
	}
	metrics.TraversalDur.Observe(time.Since(start).Seconds())
	metrics.TicksTotal.Add(float64(len(bucket)))

	s.mu.Lock()
	s.processed += len(bucket)
	s.curTime = last.TS
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.deriveTrades()
	s.emitSnapshot(false)
	return nil
}

// drain consumes the rest of the tick source after the strategy ended,
// keeping progress counters honest.
func (s *Session) drain(ctx context.Context, bucket *[]model.Tick) {
	n := len(*bucket)
	*bucket = (*bucket)[:0]
	for ctx.Err() == nil {
		if _, ok := s.src.Next(); !ok {
			break
		}
		n++
	}
	s.mu.Lock()
	s.processed += n
	s.mu.Unlock()
}

// pace sleeps between buckets so sim time advances at the configured
// ratio to wall-clock time. Speed 0 replays as fast as the source reads.
func (s *Session) pace(ctx context.Context, prevSec, nextSec int64) {
	if s.cfg.Speed <= 0 {
		return
	}
	gap := time.Duration(nextSec-prevSec) * time.Second
	sleep := time.Duration(float64(gap) / s.cfg.Speed)
	if sleep < minPace {
		sleep = minPace
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Session) finish(st Status, failure string) {
	s.candles.FlushAll()
	s.deriveTrades()

	s.mu.Lock()
	s.status = st
	s.failure = failure
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.emitSnapshot(st == StatusCompleted)
	switch st {
	case StatusError:
		s.log.Error("session failed", "err", failure)
	default:
		s.log.Info("session finished", "status", st, "pnl_paise", s.positions.TotalPnL())
	}
}

// onEvent receives every engine diagnostic in causal order. Pending and
// completed records enter the accumulated history (upsert by exec id);
// "active" diagnostics are transient and only ride the next delta.
func (s *Session) onEvent(ev model.Event) {
	s.mu.Lock()

	if ev.Kind == model.EventActive {
		s.deltaEvents = append(s.deltaEvents, ev)
		s.mu.Unlock()
		return
	}

	if i, ok := s.eventIdx[ev.ExecID]; ok {
		s.events[i] = ev
	} else {
		s.eventIdx[ev.ExecID] = len(s.events)
		s.events = append(s.events, ev)
	}
	s.deltaEvents = append(s.deltaEvents, ev)
	s.mu.Unlock()

	if s.persist != nil {
		s.persist.AppendEvent(&ev)
	}
}

// deriveTrades projects GPS transactions into trade records and upserts
// the ones whose state changed.
func (s *Session) deriveTrades() {
	var changed bool

	s.mu.Lock()
	for _, pos := range s.positions.All() {
		for _, tx := range pos.Transactions {
			tr := tradeFromTx(pos, tx, s.cfg.StrategyID)
			if i, ok := s.tradeIdx[tr.TradeID]; ok {
				if tradesEqual(&s.trades[i], &tr) {
					continue
				}
				s.trades[i] = tr
			} else {
				s.tradeIdx[tr.TradeID] = len(s.trades)
				s.trades = append(s.trades, tr)
			}
			s.deltaTrades = append(s.deltaTrades, tr)
			changed = true
		}
	}
	var all []model.Trade
	if changed && s.persist != nil {
		all = append(all, s.trades...)
	}
	s.mu.Unlock()

	if all != nil {
		s.persist.RewriteTrades(all)
	}
}

func tradeFromTx(pos *gps.Position, tx *gps.Transaction, strategy string) model.Trade {
	var qtyClosed int64
	if tx.Status == gps.TxClosed {
		qtyClosed = tx.ExitQty
	}
	return model.Trade{
		TradeID:     model.FormatTradeID(pos.PositionID, tx.ReEntryNum),
		PositionID:  pos.PositionID,
		ReEntryNum:  tx.ReEntryNum,
		Symbol:      pos.Symbol,
		Exchange:    pos.Exchange,
		Side:        tx.Side,
		Quantity:    tx.Qty,
		QtyClosed:   qtyClosed,
		EntryPrice:  tx.EntryPrice,
		ExitPrice:   tx.ExitPrice,
		EntryTime:   tx.EntryTime,
		ExitTime:    tx.ExitTime,
		RealizedPnL: tx.RealizedPnL,
		Status:      model.DeriveStatus(qtyClosed, tx.Qty),
		EntryExecID: tx.ExecID,
		ExitExecID:  tx.ExitExecID,
		Strategy:    strategy,
	}
}

func tradesEqual(a, b *model.Trade) bool {
	return a.Status == b.Status &&
		a.QtyClosed == b.QtyClosed &&
		a.ExitPrice == b.ExitPrice &&
		a.RealizedPnL == b.RealizedPnL &&
		a.Quantity == b.Quantity
}
