package fno

import (
	"time"

	"strategy-systemv1/internal/markethours"
)

// ContractSpec describes one underlying's derivative series.
type ContractSpec struct {
	ExpiryWeekday time.Weekday
	StrikeStep    int64 // paise
	LotSize       int64
}

// Calendar is a rule-based expiry calendar for NSE derivatives. Weekly
// expiries fall on the underlying's expiry weekday (moved earlier across
// holidays), monthly expiries are the last weekly of the month, quarterly
// the last monthly of Mar/Jun/Sep/Dec, yearly the last monthly of December.
type Calendar struct {
	specs map[string]ContractSpec
	def   ContractSpec
}

// NewCalendar builds a calendar with the standard index specs. Steps are
// in paise.
func NewCalendar() *Calendar {
	return &Calendar{
		specs: map[string]ContractSpec{
			"NIFTY":      {ExpiryWeekday: time.Tuesday, StrikeStep: 50 * 100, LotSize: 75},
			"BANKNIFTY":  {ExpiryWeekday: time.Tuesday, StrikeStep: 100 * 100, LotSize: 35},
			"FINNIFTY":   {ExpiryWeekday: time.Tuesday, StrikeStep: 50 * 100, LotSize: 65},
			"MIDCPNIFTY": {ExpiryWeekday: time.Tuesday, StrikeStep: 25 * 100, LotSize: 140},
			"SENSEX":     {ExpiryWeekday: time.Thursday, StrikeStep: 100 * 100, LotSize: 20},
		},
		def: ContractSpec{ExpiryWeekday: time.Thursday, StrikeStep: 50 * 100, LotSize: 1},
	}
}

// SetSpec overrides or adds a contract spec for a base symbol.
func (c *Calendar) SetSpec(base string, spec ContractSpec) {
	c.specs[base] = spec
}

func (c *Calendar) spec(base string) ContractSpec {
	if s, ok := c.specs[base]; ok {
		return s
	}
	return c.def
}

// StrikeStep returns the strike interval for a base, in paise.
func (c *Calendar) StrikeStep(base string) int64 { return c.spec(base).StrikeStep }

// LotSize returns the contract lot size for a base.
func (c *Calendar) LotSize(base string) int64 { return c.spec(base).LotSize }

// Upcoming lists expiry dates for the cycle ("W", "M", "Q", "Y") on or
// after ref, nearest first.
func (c *Calendar) Upcoming(base, cycle string, ref time.Time) []time.Time {
	ref = ref.In(markethours.IST)
	day := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, markethours.IST)

	switch cycle {
	case "W":
		return c.weekliesFrom(base, day, 8)
	case "M":
		return c.monthliesFrom(base, day, 4, func(time.Month) bool { return true })
	case "Q":
		return c.monthliesFrom(base, day, 3, func(m time.Month) bool {
			return m == time.March || m == time.June || m == time.September || m == time.December
		})
	case "Y":
		return c.monthliesFrom(base, day, 2, func(m time.Month) bool { return m == time.December })
	}
	return nil
}

func (c *Calendar) weekliesFrom(base string, day time.Time, n int) []time.Time {
	wd := c.spec(base).ExpiryWeekday
	out := make([]time.Time, 0, n)
	d := day
	for len(out) < n {
		if d.Weekday() == wd {
			out = append(out, adjustForHoliday(d))
			d = d.AddDate(0, 0, 7)
			continue
		}
		d = d.AddDate(0, 0, 1)
	}
	return out
}

func (c *Calendar) monthliesFrom(base string, day time.Time, n int, want func(time.Month) bool) []time.Time {
	wd := c.spec(base).ExpiryWeekday
	out := make([]time.Time, 0, n)
	y, m := day.Year(), day.Month()
	for len(out) < n {
		if want(m) {
			e := adjustForHoliday(lastWeekdayOfMonth(y, m, wd))
			if !e.Before(day) {
				out = append(out, e)
			}
		}
		m++
		if m > time.December {
			m = time.January
			y++
		}
	}
	return out
}

func lastWeekdayOfMonth(year int, month time.Month, wd time.Weekday) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, markethours.IST).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// adjustForHoliday moves an expiry to the previous trading day when the
// scheduled date is a holiday.
func adjustForHoliday(d time.Time) time.Time {
	for markethours.IsHoliday(d) || d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
