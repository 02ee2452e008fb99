// Package metrics exposes Prometheus metrics for the strategy engine and
// the /metrics + /healthz HTTP endpoints.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategy_ticks_total",
		Help: "Total ticks consumed across all sessions",
	})
	CandlesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategy_candles_total",
		Help: "Total candles completed across all sessions",
	})
	DroppedTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategy_dropped_ticks_total",
		Help: "Ticks dropped: out-of-order in the candle builder or live buffer overflow",
	})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strategy_sessions_active",
		Help: "Sessions currently running",
	})
	SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_sessions_total",
		Help: "Sessions finished, by terminal status",
	}, []string{"status"})
	TraversalDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strategy_traversal_duration_seconds",
		Help:    "Graph traversal latency per second-bucket",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})
	OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_orders_placed_total",
		Help: "Orders submitted, by side",
	}, []string{"side"})
	PositionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategy_positions_opened_total",
		Help: "Positions opened across all sessions",
	})
	SnapshotsPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategy_snapshots_pushed_total",
		Help: "Snapshot frames delivered to WS clients",
	})
	SnapshotsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategy_snapshots_dropped_total",
		Help: "Snapshot frames dropped on slow WS clients",
	})
	StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strategy_stream_clients",
		Help: "Connected WS stream clients",
	})
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		CandlesTotal,
		DroppedTicks,
		SessionsActive,
		SessionsTotal,
		TraversalDur,
		OrdersPlaced,
		PositionsOpened,
		SnapshotsPushed,
		SnapshotsDropped,
		StreamClients,
	)
}

// HealthStatus tracks process health for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerOK       bool
	StoreOK        bool
	ActiveSessions int
	LastTickTime   time.Time
	StartedAt      time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), BrokerOK: true, StoreOK: true}
}

func (h *HealthStatus) SetBrokerOK(v bool) {
	h.mu.Lock()
	h.BrokerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStoreOK(v bool) {
	h.mu.Lock()
	h.StoreOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveSessions(n int) {
	h.mu.Lock()
	h.ActiveSessions = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.BrokerOK || !h.StoreOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	resp := struct {
		Status         string `json:"status"`
		Uptime         string `json:"uptime"`
		BrokerOK       bool   `json:"broker_ok"`
		StoreOK        bool   `json:"store_ok"`
		ActiveSessions int    `json:"active_sessions"`
		TickAge        string `json:"tick_age,omitempty"`
	}{
		Status:         status,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerOK:       h.BrokerOK,
		StoreOK:        h.StoreOK,
		ActiveSessions: h.ActiveSessions,
		TickAge:        tickAge,
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(resp)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
