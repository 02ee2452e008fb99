package session

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"strategy-systemv1/internal/model"
)

// persister maintains the two JSONL files for one session under
// <root>/<date>/<user>/<strategy>/: node_events.jsonl is append-only,
// trades.jsonl is rewritten whole on every trade change.
type persister struct {
	dir       string
	eventFile *os.File
	eventBuf  *bufio.Writer
}

func newPersister(root string, date time.Time, userID, strategyID string, resume bool) (*persister, error) {
	dir := filepath.Join(root, date.Format("2006-01-02"), userID, strategyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !resume {
		// Fresh start replaces any previous run of the same session.
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if err := os.Remove(filepath.Join(dir, "trades.jsonl")); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, "node_events.jsonl"), flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &persister{dir: dir, eventFile: f, eventBuf: bufio.NewWriter(f)}, nil
}

// AppendEvent writes one event line. Persistence failures are logged, not
// fatal: the stream stays authoritative in-memory.
func (p *persister) AppendEvent(ev *model.Event) {
	line := struct {
		ExecID    string       `json:"exec_id"`
		Event     *model.Event `json:"event"`
		Timestamp time.Time    `json:"timestamp"`
	}{ExecID: ev.ExecID, Event: ev, Timestamp: ev.TS}

	b, err := json.Marshal(line)
	if err != nil {
		log.Printf("[session] event marshal failed exec=%s: %v", ev.ExecID, err)
		return
	}
	b = append(b, '\n')
	if _, err := p.eventBuf.Write(b); err != nil {
		log.Printf("[session] event append failed: %v", err)
		return
	}
	if err := p.eventBuf.Flush(); err != nil {
		log.Printf("[session] event flush failed: %v", err)
	}
}

// RewriteTrades replaces trades.jsonl with the current upserted state.
// Written to a temp file and renamed so a crash never leaves a torn file.
func (p *persister) RewriteTrades(trades []model.Trade) {
	tmp := filepath.Join(p.dir, "trades.jsonl.tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Printf("[session] trades rewrite open failed: %v", err)
		return
	}
	w := bufio.NewWriter(f)
	for i := range trades {
		if _, err := w.Write(trades[i].JSON()); err != nil {
			log.Printf("[session] trades write failed: %v", err)
			f.Close()
			return
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		log.Printf("[session] trades flush failed: %v", err)
		f.Close()
		return
	}
	if err := f.Close(); err != nil {
		log.Printf("[session] trades close failed: %v", err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(p.dir, "trades.jsonl")); err != nil {
		log.Printf("[session] trades rename failed: %v", err)
	}
}

func (p *persister) Close() {
	p.eventBuf.Flush()
	p.eventFile.Close()
}
