// Package journal persists completed trades to SQLite for analysis and
// audit, independent of the per-session JSONL files.
package journal

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"strategy-systemv1/internal/model"
)

// Journal is the trades audit database. Safe for concurrent sessions.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the journal database.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id      TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		strategy      TEXT NOT NULL,
		position_id   TEXT NOT NULL,
		re_entry_num  INTEGER NOT NULL,
		symbol        TEXT NOT NULL,
		exchange      TEXT NOT NULL,
		side          TEXT NOT NULL,
		quantity      INTEGER NOT NULL,
		qty_closed    INTEGER NOT NULL,
		entry_price   INTEGER NOT NULL,
		exit_price    INTEGER NOT NULL,
		realized_pnl  INTEGER NOT NULL,
		status        TEXT NOT NULL,
		entry_time    DATETIME NOT NULL,
		exit_time     DATETIME,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_id, trade_id)
	);
	CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, exchange);
	CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened trade journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// Upsert writes a trade's final state; re-writing the same trade replaces
// the previous row.
func (j *Journal) Upsert(sessionID string, t *model.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var exitTime any
	if !t.ExitTime.IsZero() {
		exitTime = t.ExitTime.Format(time.RFC3339)
	}

	_, err := j.db.Exec(
		`INSERT INTO trades (trade_id, session_id, strategy, position_id, re_entry_num,
		                     symbol, exchange, side, quantity, qty_closed,
		                     entry_price, exit_price, realized_pnl, status,
		                     entry_time, exit_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, trade_id) DO UPDATE SET
		     qty_closed   = excluded.qty_closed,
		     exit_price   = excluded.exit_price,
		     realized_pnl = excluded.realized_pnl,
		     status       = excluded.status,
		     exit_time    = excluded.exit_time`,
		t.TradeID, sessionID, t.Strategy, t.PositionID, t.ReEntryNum,
		t.Symbol, t.Exchange, t.Side, t.Quantity, t.QtyClosed,
		t.EntryPrice, t.ExitPrice, t.RealizedPnL, string(t.Status),
		t.EntryTime.Format(time.RFC3339), exitTime,
	)
	return err
}

// Record is one row read back from the journal.
type Record struct {
	ID          int64  `json:"id"`
	TradeID     string `json:"trade_id"`
	SessionID   string `json:"session_id"`
	Strategy    string `json:"strategy"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Quantity    int64  `json:"quantity"`
	EntryPrice  int64  `json:"entry_price"`
	ExitPrice   int64  `json:"exit_price"`
	RealizedPnL int64  `json:"realized_pnl"`
	Status      string `json:"status"`
	EntryTime   string `json:"entry_time"`
	ExitTime    string `json:"exit_time"`
}

// Recent returns the last N trades, newest first.
func (j *Journal) Recent(limit int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, trade_id, session_id, strategy, symbol, side, quantity,
		        entry_price, exit_price, realized_pnl, status,
		        entry_time, COALESCE(exit_time, '')
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.TradeID, &rec.SessionID, &rec.Strategy,
			&rec.Symbol, &rec.Side, &rec.Quantity, &rec.EntryPrice, &rec.ExitPrice,
			&rec.RealizedPnL, &rec.Status, &rec.EntryTime, &rec.ExitTime); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error { return j.db.Close() }
