// Package fno resolves dynamic derivative symbols like NIFTY:W0:ATM:CE
// into concrete contract keys against the expiry calendar and current spot.
package fno

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"strategy-systemv1/internal/model"
)

// Resolver maps dynamic symbols to concrete contracts. Resolutions are
// cached per (dynamic symbol, trading date) so repeated node evaluations
// on the same day stay O(1).
type Resolver struct {
	cal   model.ExpiryCalendar
	cache map[cacheKey]string
}

type cacheKey struct {
	symbol string
	date   string // YYYY-MM-DD
}

// New creates a resolver over an expiry calendar.
func New(cal model.ExpiryCalendar) *Resolver {
	return &Resolver{cal: cal, cache: make(map[cacheKey]string, 16)}
}

// IsDynamic reports whether a symbol needs resolution. Concrete symbols
// ("NSE:SBIN", "NIFTY:2026-08-27:OPT:2460000:CE") pass through untouched.
func IsDynamic(symbol string) bool {
	parts := strings.Split(symbol, ":")
	if len(parts) < 2 {
		return false
	}
	return expiryCycle(parts[1]) != ""
}

// Resolve maps a dynamic symbol for a trading date. spot is the
// underlying's current price in paise, used for strike selection.
// Failure is fatal for the caller: an unresolvable symbol means any
// order against it would fail too.
func (r *Resolver) Resolve(symbol string, date time.Time, spot int64) (string, error) {
	if !IsDynamic(symbol) {
		return symbol, nil
	}

	key := cacheKey{symbol: symbol, date: date.Format("2006-01-02")}
	if v, ok := r.cache[key]; ok {
		return v, nil
	}

	parts := strings.Split(symbol, ":")
	base := parts[0]

	expiry, err := r.expiry(base, parts[1], date)
	if err != nil {
		return "", err
	}

	// BASE:<EXP> alone is a future.
	if len(parts) == 2 {
		out := fmt.Sprintf("%s:%s:FUT", base, expiry.Format("2006-01-02"))
		r.cache[key] = out
		return out, nil
	}

	if len(parts) != 4 {
		return "", fmt.Errorf("fno: malformed dynamic symbol %q", symbol)
	}
	optType := parts[3]
	if optType != "CE" && optType != "PE" {
		return "", fmt.Errorf("fno: option type %q in %q", optType, symbol)
	}

	strike, err := r.strike(base, parts[2], optType, spot)
	if err != nil {
		return "", fmt.Errorf("fno: %q: %w", symbol, err)
	}

	out := fmt.Sprintf("%s:%s:OPT:%d:%s", base, expiry.Format("2006-01-02"), strike, optType)
	r.cache[key] = out
	return out, nil
}

func (r *Resolver) expiry(base, sel string, date time.Time) (time.Time, error) {
	cycle := expiryCycle(sel)
	if cycle == "" {
		return time.Time{}, fmt.Errorf("fno: expiry selector %q", sel)
	}
	n, err := strconv.Atoi(sel[1:])
	if err != nil {
		return time.Time{}, fmt.Errorf("fno: expiry selector %q", sel)
	}

	upcoming := r.cal.Upcoming(base, cycle, date)
	if n >= len(upcoming) {
		return time.Time{}, fmt.Errorf("fno: no %s expiry #%d for %s after %s",
			cycle, n, base, date.Format("2006-01-02"))
	}
	return upcoming[n], nil
}

// strike picks the contract strike in paise. ATM rounds spot to the
// nearest step; OTM<N>/ITM<N> move N steps away from or into the money,
// direction depending on CE/PE.
func (r *Resolver) strike(base, sel, optType string, spot int64) (int64, error) {
	step := r.cal.StrikeStep(base)
	if step <= 0 {
		return 0, fmt.Errorf("no strike step for %s", base)
	}
	if spot <= 0 {
		return 0, fmt.Errorf("no spot price for strike selection")
	}

	atm := ((spot + step/2) / step) * step
	if sel == "ATM" {
		return atm, nil
	}

	var n int64
	var outward bool // away from the money
	switch {
	case strings.HasPrefix(sel, "OTM"):
		outward = true
	case strings.HasPrefix(sel, "ITM"):
		outward = false
	default:
		return 0, fmt.Errorf("strike selector %q", sel)
	}
	v, err := strconv.ParseInt(sel[3:], 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("strike selector %q", sel)
	}
	n = v

	// CE: OTM is above spot. PE: OTM is below spot.
	up := (optType == "CE") == outward
	if up {
		return atm + n*step, nil
	}
	return atm - n*step, nil
}

func expiryCycle(sel string) string {
	if len(sel) < 2 {
		return ""
	}
	switch sel[0] {
	case 'W', 'M', 'Q', 'Y':
		if _, err := strconv.Atoi(sel[1:]); err == nil {
			return string(sel[0])
		}
	}
	return ""
}
