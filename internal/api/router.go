// Package api is the HTTP control surface: session lifecycle endpoints,
// the websocket stream, state catch-up and the broker postback webhook.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"strategy-systemv1/internal/graph"
	"strategy-systemv1/internal/journal"
	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/model"
	"strategy-systemv1/internal/notification"
	"strategy-systemv1/internal/session"
	"strategy-systemv1/internal/stream"
)

// SourceFactory opens a tick source for one session. Backtests read the
// archive for the requested day; live mode attaches the feed.
type SourceFactory func(date time.Time, live bool) (model.TickSource, error)

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	registry *session.Registry
	hub      *stream.Hub
	store    model.StrategyStore
	gateway  model.OrderGateway
	calendar model.ExpiryCalendar
	notifier notification.Notifier
	journal  *journal.Journal
	sources  SourceFactory

	persistRoot string
	log         *slog.Logger
}

// Config bundles the Server dependencies.
type Config struct {
	Registry    *session.Registry
	Hub         *stream.Hub
	Store       model.StrategyStore
	Gateway     model.OrderGateway
	Calendar    model.ExpiryCalendar
	Notifier    notification.Notifier
	Journal     *journal.Journal
	Sources     SourceFactory
	PersistRoot string
	Log         *slog.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{
		registry:    cfg.Registry,
		hub:         cfg.Hub,
		store:       cfg.Store,
		gateway:     cfg.Gateway,
		calendar:    cfg.Calendar,
		notifier:    cfg.Notifier,
		journal:     cfg.Journal,
		sources:     cfg.Sources,
		persistRoot: cfg.PersistRoot,
		log:         cfg.Log,
	}
}

// Router builds the HTTP mux.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions", s.handleStart)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/v1/sessions/{id}/state", s.handleState)
	mux.HandleFunc("GET /api/v1/trades", s.handleTrades)
	mux.HandleFunc("/ws", s.hub.HandleWS)
	mux.HandleFunc("GET /api/v1/initial-state", s.hub.HandleInitialState)

	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": s.registry.Len(),
			"clients":  s.hub.ClientCount(),
		})
	})

	return mux
}

type startRequest struct {
	UserID     string          `json:"user_id"`
	StrategyID string          `json:"strategy_id"`
	Strategy   json.RawMessage `json:"strategy,omitempty"` // inline document overrides the store
	Mode       string          `json:"mode"`               // "backtest" or "live"
	Date       string          `json:"date"`               // YYYY-MM-DD, defaults to today
	Speed      float64         `json:"speed"`
	Scale      int64           `json:"scale"`
	Resume     bool            `json:"resume"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.StrategyID == "" {
		writeError(w, http.StatusBadRequest, "user_id and strategy_id are required")
		return
	}

	date := time.Now().In(model.IST)
	if req.Date != "" {
		var err error
		date, err = time.ParseInLocation("2006-01-02", req.Date, model.IST)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}

	sid := session.ID(req.UserID, req.StrategyID, date)
	if existing, ok := s.registry.Get(sid); ok {
		if existing.Status() == session.StatusRunning {
			writeJSON(w, http.StatusConflict, map[string]any{
				"session_id": sid,
				"status":     existing.Status(),
			})
			return
		}
		s.registry.Remove(sid)
	}

	doc := []byte(req.Strategy)
	if len(doc) == 0 {
		var err error
		doc, err = s.store.FetchStrategy(r.Context(), req.StrategyID)
		if err != nil {
			s.log.Warn("strategy fetch failed", "strategy", req.StrategyID, "err", err)
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
	}

	mode := graph.ModeBacktest
	if req.Mode == "live" {
		mode = graph.ModeLive
	}

	src, err := s.sources(date, mode == graph.ModeLive)
	if err != nil {
		s.log.Error("tick source open failed", "err", err)
		writeError(w, http.StatusInternalServerError, "tick source unavailable")
		return
	}

	sess, err := session.New(session.Config{
		UserID:      req.UserID,
		StrategyID:  req.StrategyID,
		Strategy:    doc,
		Mode:        mode,
		Speed:       req.Speed,
		Scale:       req.Scale,
		Date:        date,
		PersistRoot: s.persistRoot,
		Resume:      req.Resume,
	}, session.Deps{
		Source:   src,
		Gateway:  s.gateway,
		Calendar: s.calendar,
		Notifier: notification.ForSession(s.notifier, req.StrategyID, sid),
		Pub:      s.hub,
		Log:      s.log,
	})
	if err != nil {
		src.Close()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.registry.Add(sess)
	metrics.SessionsTotal.WithLabelValues("started").Inc()

	go func() {
		if err := sess.Run(context.Background()); err != nil {
			s.log.Error("session run failed", "session", sess.SID, "err", err)
		}
		metrics.SessionsTotal.WithLabelValues(string(sess.Status())).Inc()
		s.journalTrades(sess)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sess.SID,
		"status":     sess.Status(),
	})
}

// journalTrades copies the session's final trade set into the audit
// database once the run ends.
func (s *Server) journalTrades(sess *session.Session) {
	if s.journal == nil {
		return
	}
	state := sess.Catchup("", "")
	for i := range state.Trades {
		if err := s.journal.Upsert(sess.SID, &state.Trades[i]); err != nil {
			s.log.Warn("journal upsert failed", "session", sess.SID,
				"trade", state.Trades[i].TradeID, "err", err)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    sess.SID,
		"status":        sess.Status(),
		"last_activity": sess.LastActivity().Format(time.RFC3339),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.SID,
		"status":     sess.Status(),
	})
}

// handleState serves the full accumulated state over plain HTTP, the
// non-websocket fallback for the resume protocol.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	q := r.URL.Query()
	state := sess.Catchup(q.Get("last_event_id"), q.Get("last_trade_id"))
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "trade journal disabled")
		return
	}
	recs, err := s.journal.Recent(200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": recs})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
