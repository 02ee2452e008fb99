// Package ltp maintains the last-traded-price view per symbol.
// The store is owned by one session and mutated only by its scheduler,
// so no locks are needed — graph nodes read it in O(1) during traversal.
package ltp

import (
	"time"

	"strategy-systemv1/internal/model"
)

// Entry is the latest known quote for a symbol.
type Entry struct {
	LTP    int64     `json:"ltp"` // paise
	Volume int64     `json:"volume,omitempty"`
	OI     int64     `json:"oi,omitempty"`
	TS     time.Time `json:"ts"`
}

// Store is the per-session symbol → latest quote map.
type Store struct {
	entries map[string]Entry
}

// New creates an empty LTP store.
func New() *Store {
	return &Store{entries: make(map[string]Entry, 16)}
}

// Update ingests a tick.
func (s *Store) Update(t model.Tick) {
	s.entries[t.Symbol] = Entry{LTP: t.LTP, Volume: t.Volume, OI: t.OI, TS: t.TS}
}

// Get returns the full entry for a symbol.
func (s *Store) Get(symbol string) (Entry, bool) {
	e, ok := s.entries[symbol]
	return e, ok
}

// Price returns the LTP in paise for a symbol.
func (s *Store) Price(symbol string) (int64, bool) {
	e, ok := s.entries[symbol]
	return e.LTP, ok
}

// Symbols returns all symbols seen so far.
func (s *Store) Symbols() []string {
	out := make([]string, 0, len(s.entries))
	for sym := range s.entries {
		out = append(out, sym)
	}
	return out
}
