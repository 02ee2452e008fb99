// cmd/backtest replays one trading day of recorded ticks through a
// strategy graph and prints the resulting trades and P&L.
//
// Usage:
//
//	go run ./cmd/backtest --strategy=strategies/orb.json --db=data/ticks.db --date=2026-08-21
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"strategy-systemv1/internal/fno"
	"strategy-systemv1/internal/graph"
	"strategy-systemv1/internal/logger"
	"strategy-systemv1/internal/model"
	"strategy-systemv1/internal/notification"
	"strategy-systemv1/internal/session"
	"strategy-systemv1/internal/ticksource"
)

func main() {
	strategyPath := flag.String("strategy", "", "Path to strategy JSON document")
	dbPath := flag.String("db", "data/ticks.db", "Path to tick archive SQLite database")
	dateStr := flag.String("date", "", "Trading day YYYY-MM-DD (default: today)")
	userID := flag.String("user", "backtest", "User id for the session")
	speed := flag.Float64("speed", 0, "Playback speed (0=max, 1=realtime, 10=10x)")
	scale := flag.Int64("scale", 1, "Quantity multiplier")
	persist := flag.String("persist", "", "JSONL persistence root (empty=off)")
	resume := flag.Bool("resume", false, "Append to existing session files")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *strategyPath == "" {
		log.Fatal("[backtest] --strategy is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	lg := logger.Init("backtest", level)

	doc, err := os.ReadFile(*strategyPath)
	if err != nil {
		log.Fatalf("[backtest] read strategy: %v", err)
	}

	date := time.Now().In(model.IST)
	if *dateStr != "" {
		date, err = time.ParseInLocation("2006-01-02", *dateStr, model.IST)
		if err != nil {
			log.Fatalf("[backtest] invalid date %q: %v", *dateStr, err)
		}
	}

	src, err := ticksource.OpenSQLite(*dbPath, nil, date)
	if err != nil {
		log.Fatalf("[backtest] tick source: %v", err)
	}
	defer src.Close()
	if src.Total() == 0 {
		log.Fatalf("[backtest] no ticks for %s in %s", date.Format("2006-01-02"), *dbPath)
	}

	strategyID := strings.TrimSuffix(filepath.Base(*strategyPath), ".json")
	rec := &capture{}

	sess, err := session.New(session.Config{
		UserID:      *userID,
		StrategyID:  strategyID,
		Strategy:    doc,
		Mode:        graph.ModeBacktest,
		Speed:       *speed,
		Scale:       *scale,
		Date:        date,
		PersistRoot: *persist,
		Resume:      *resume,
	}, session.Deps{
		Source:   src,
		Gateway:  nil, // backtest fills are simulated in the graph engine
		Calendar: fno.NewCalendar(),
		Notifier: notification.ForSession(notification.NewLogNotifier(), strategyID, ""),
		Pub:      rec,
		Log:      lg,
	})
	if err != nil {
		log.Fatalf("[backtest] session: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	if err := sess.Run(ctx); err != nil {
		log.Fatalf("[backtest] run: %v", err)
	}
	elapsed := time.Since(start)

	printSummary(sess, rec.last(), src.Total(), elapsed)
}

// capture implements session.Publisher and keeps the final snapshot.
type capture struct {
	mu      sync.Mutex
	payload []byte
}

func (c *capture) Publish(sessionID, event string, payload []byte) {
	c.mu.Lock()
	c.payload = payload
	c.mu.Unlock()
}

func (c *capture) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

func printSummary(sess *session.Session, payload []byte, ticks int, elapsed time.Duration) {
	var snap session.Snapshot
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &snap); err != nil {
			log.Printf("[backtest] snapshot decode: %v", err)
		}
	}

	state := sess.Catchup("", "")
	fmt.Println()
	for _, t := range state.Trades {
		exit := "open"
		if !t.ExitTime.IsZero() {
			exit = t.ExitTime.In(model.IST).Format("15:04:05")
		}
		fmt.Printf("  %-24s %-4s %-28s qty=%-6d entry=%.2f exit=%.2f pnl=%+.2f [%s %s-%s]\n",
			t.TradeID, t.Side, t.Symbol, t.Quantity,
			float64(t.EntryPrice)/100, float64(t.ExitPrice)/100, float64(t.RealizedPnL)/100,
			t.Status, t.EntryTime.In(model.IST).Format("15:04:05"), exit)
	}

	sum := snap.Accumulated.Summary
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║           BACKTEST COMPLETE              ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Status:          %-22s ║\n", sess.Status())
	fmt.Printf("║  Ticks processed: %-22d ║\n", ticks)
	fmt.Printf("║  Trades:          %-22d ║\n", len(state.Trades))
	fmt.Printf("║  Total P&L:       %-22.2f ║\n", sum.TotalPnL)
	fmt.Printf("║  End reason:      %-22s ║\n", orDash(sum.EndReason))
	fmt.Printf("║  Wall time:       %-22s ║\n", elapsed.Round(time.Millisecond))
	fmt.Println("╚══════════════════════════════════════════╝")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
