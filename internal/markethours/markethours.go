// Package markethours knows the NSE trading calendar: session boundaries,
// holidays, and intraday clock parsing for end-condition checks.
package markethours

import (
	"fmt"
	"time"

	"strategy-systemv1/internal/model"
)

// IST aliases the engine-wide zone so callers don't import model for it.
var IST = model.IST

// Market hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// Default intraday square-off deadline when a strategy configures none.
	SquareOffHour   = 15
	SquareOffMinute = 29
)

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM – 3:30 PM IST, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !IsHoliday(ist)
}

// SessionOpen returns the session open (9:15 IST) on t's trading date.
func SessionOpen(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

// SessionClose returns the session close (3:30 PM IST) on t's trading date.
func SessionClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// DefaultSquareOff returns the default square-off deadline on t's date.
func DefaultSquareOff(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), SquareOffHour, SquareOffMinute, 0, 0, IST)
}

// SameTradingDay reports whether a and b fall on the same IST calendar date.
func SameTradingDay(a, b time.Time) bool {
	ai, bi := a.In(IST), b.In(IST)
	return ai.Year() == bi.Year() && ai.YearDay() == bi.YearDay()
}

// AtClock returns the instant on t's date at the given "HH:MM" wall clock.
// Used for endConditions.timeBasedExit.exitTime.
func AtClock(t time.Time, clock string) (time.Time, error) {
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil {
		return time.Time{}, fmt.Errorf("bad clock %q: %w", clock, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return time.Time{}, fmt.Errorf("clock %q out of range", clock)
	}
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), h, m, 0, 0, IST), nil
}
