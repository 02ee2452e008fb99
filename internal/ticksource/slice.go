package ticksource

import "strategy-systemv1/internal/model"

// Slice replays a pre-built tick slice. Used by tests and synthetic
// backtests.
type Slice struct {
	ticks []model.Tick
	pos   int
}

// NewSlice wraps a tick slice; the caller must supply timestamp order.
func NewSlice(ticks []model.Tick) *Slice {
	return &Slice{ticks: ticks}
}

func (s *Slice) Next() (model.Tick, bool) {
	if s.pos >= len(s.ticks) {
		return model.Tick{}, false
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, true
}

func (s *Slice) Total() int { return len(s.ticks) }

func (s *Slice) Close() error { return nil }
