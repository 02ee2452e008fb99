// Package ticksource provides model.TickSource implementations: a SQLite
// historical reader for backtests and an in-memory slice source.
package ticksource

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"strategy-systemv1/internal/model"
)

// SQLite streams one trading day of ticks from a tick archive database,
// ordered by timestamp. Rows are loaded eagerly: a day of ticks for one
// underlying fits comfortably in memory and Total() needs the count
// upfront for progress reporting.
type SQLite struct {
	db    *sql.DB
	ticks []model.Tick
	pos   int
}

// OpenSQLite loads ticks for the given symbols on a trading day.
func OpenSQLite(dbPath string, symbols []string, day time.Time) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ticksource: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	s := &SQLite{db: db}
	if err := s.load(symbols, day); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[ticksource] loaded %d ticks from %s for %s",
		len(s.ticks), dbPath, day.Format("2006-01-02"))
	return s, nil
}

func (s *SQLite) load(symbols []string, day time.Time) error {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, model.IST)
	end := start.AddDate(0, 0, 1)

	query := `
		SELECT symbol, exchange, ltp, qty, volume, oi, ts
		FROM ticks
		WHERE ts >= ? AND ts < ?`
	args := []any{start.Unix(), end.Unix()}

	if len(symbols) > 0 {
		query += " AND symbol IN (?" + repeat(",?", len(symbols)-1) + ")"
		for _, sym := range symbols {
			args = append(args, sym)
		}
	}
	query += " ORDER BY ts ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("ticksource: query ticks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t model.Tick
		var tsUnix int64
		if err := rows.Scan(&t.Symbol, &t.Exchange, &t.LTP, &t.Qty, &t.Volume, &t.OI, &tsUnix); err != nil {
			return fmt.Errorf("ticksource: scan tick: %w", err)
		}
		t.TS = time.Unix(tsUnix, 0).In(model.IST)
		s.ticks = append(s.ticks, t)
	}
	return rows.Err()
}

// Next returns the next tick in timestamp order.
func (s *SQLite) Next() (model.Tick, bool) {
	if s.pos >= len(s.ticks) {
		return model.Tick{}, false
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, true
}

// Total returns the tick count for progress reporting.
func (s *SQLite) Total() int { return len(s.ticks) }

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
