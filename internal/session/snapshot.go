package session

import (
	"encoding/json"
	"time"

	"strategy-systemv1/internal/model"
)

// Summary is the headline state carried in every snapshot.
type Summary struct {
	TotalPnL      float64 `json:"total_pnl"` // rupees
	OpenPositions int     `json:"open_positions"`
	ClosedTrades  int     `json:"closed_trades"`
	EndReason     string  `json:"end_reason,omitempty"`
	Failure       string  `json:"failure,omitempty"`
}

// Accumulated is the full session state since start.
type Accumulated struct {
	Trades        []model.Trade `json:"trades"`
	EventsHistory []model.Event `json:"events_history"`
	Summary       Summary       `json:"summary"`
}

// Delta carries only what changed since the previous emission.
type Delta struct {
	Trades []model.Trade `json:"trades"`
	Events []model.Event `json:"events"`
}

// Progress reports tick consumption.
type Progress struct {
	CurrentTick int     `json:"current_tick"`
	TotalTicks  int     `json:"total_ticks"`
	Percentage  float64 `json:"percentage"`
}

// Snapshot is the stream payload pushed to subscribers.
type Snapshot struct {
	SessionID   string      `json:"session_id"`
	UserID      string      `json:"user_id"`
	StrategyID  string      `json:"strategy_id"`
	Status      Status      `json:"status"`
	CurrentTime time.Time   `json:"current_time"`
	Accumulated Accumulated `json:"accumulated"`
	Delta       Delta       `json:"delta"`
	Progress    Progress    `json:"progress"`
}

// emitSnapshot publishes the current state and drains the delta buffers.
func (s *Session) emitSnapshot(completed bool) {
	if s.pub == nil {
		s.mu.Lock()
		s.deltaEvents = nil
		s.deltaTrades = nil
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	snap := s.buildSnapshotLocked()
	s.deltaEvents = nil
	s.deltaTrades = nil
	s.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("snapshot marshal failed", "err", err)
		return
	}
	event := "data"
	if completed {
		event = "completed"
	}
	s.pub.Publish(s.SID, event, payload)
}

func (s *Session) buildSnapshotLocked() Snapshot {
	open := 0
	closed := 0
	for i := range s.trades {
		switch s.trades[i].Status {
		case model.TradeClosed:
			closed++
		default:
			open++
		}
	}

	var pct float64
	if s.total > 0 {
		pct = float64(s.processed) / float64(s.total) * 100
	}

	return Snapshot{
		SessionID:   s.SID,
		UserID:      s.cfg.UserID,
		StrategyID:  s.cfg.StrategyID,
		Status:      s.status,
		CurrentTime: s.curTime,
		Accumulated: Accumulated{
			Trades:        append([]model.Trade(nil), s.trades...),
			EventsHistory: append([]model.Event(nil), s.events...),
			Summary: Summary{
				TotalPnL:      float64(s.positions.TotalPnL()) / 100.0,
				OpenPositions: open,
				ClosedTrades:  closed,
				EndReason:     s.eng.EndReason(),
				Failure:       s.failure,
			},
		},
		Delta: Delta{
			Trades: append([]model.Trade(nil), s.deltaTrades...),
			Events: append([]model.Event(nil), s.deltaEvents...),
		},
		Progress: Progress{
			CurrentTick: s.processed,
			TotalTicks:  s.total,
			Percentage:  pct,
		},
	}
}

// InitialState is the one-shot catch-up response for (re)subscribers.
type InitialState struct {
	Events      []model.Event `json:"events"`
	Trades      []model.Trade `json:"trades"`
	IsDelta     bool          `json:"is_delta"`
	LastEventID string        `json:"last_event_id"`
	LastTradeID string        `json:"last_trade_id"`
	EventCount  int           `json:"event_count"`
	TradeCount  int           `json:"trade_count"`
}

// Catchup returns events and trades after the supplied cursors, or the
// full state when a cursor is absent or unknown. The event slice is
// gap-free: full_history = history_up_to(cursor) + returned slice.
func (s *Session) Catchup(lastEventID, lastTradeID string) InitialState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := InitialState{
		EventCount: len(s.events),
		TradeCount: len(s.trades),
	}

	evFrom := 0
	if lastEventID != "" {
		if i, ok := s.eventIdx[lastEventID]; ok {
			evFrom = i + 1
			out.IsDelta = true
		}
	}
	trFrom := 0
	if lastTradeID != "" {
		if i, ok := s.tradeIdx[lastTradeID]; ok {
			trFrom = i + 1
		} else if out.IsDelta {
			trFrom = 0
		}
	}
	if !out.IsDelta {
		trFrom = 0
	}

	out.Events = append([]model.Event(nil), s.events[evFrom:]...)
	out.Trades = append([]model.Trade(nil), s.trades[trFrom:]...)
	if len(s.events) > 0 {
		out.LastEventID = s.events[len(s.events)-1].ExecID
	}
	if len(s.trades) > 0 {
		out.LastTradeID = s.trades[len(s.trades)-1].TradeID
	}
	return out
}
