package indicator

import "strategy-systemv1/internal/model"

// SMMA calculates the Smoothed Moving Average (Wilder's MA).
// Seeded with the SMA of the first period closes, then
// SMMA_t = (SMMA_{t-1} * (period-1) + close) / period.
type SMMA struct {
	period  int
	count   int
	sum     float64
	current float64
}

// NewSMMA creates a new SMMA indicator with the given period.
func NewSMMA(period int) *SMMA {
	return &SMMA{period: period}
}

func (s *SMMA) Name() string { return "SMMA" }

func (s *SMMA) Update(candle *model.Candle) {
	price := float64(candle.Close) / 100.0 // paise → rupees
	s.count++

	if s.count <= s.period {
		s.sum += price
		if s.count == s.period {
			s.current = s.sum / float64(s.period)
		}
		return
	}

	p := float64(s.period)
	s.current = (s.current*(p-1) + price) / p
}

func (s *SMMA) Value() float64 { return s.current }
func (s *SMMA) Ready() bool    { return s.count >= s.period }
