// Command engine is the strategy execution server: it hosts sessions,
// streams their state over websockets, and routes orders to the broker.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"strategy-systemv1/config"
	"strategy-systemv1/internal/api"
	"strategy-systemv1/internal/broker"
	"strategy-systemv1/internal/fno"
	"strategy-systemv1/internal/journal"
	"strategy-systemv1/internal/logger"
	"strategy-systemv1/internal/metrics"
	"strategy-systemv1/internal/model"
	"strategy-systemv1/internal/notification"
	"strategy-systemv1/internal/session"
	"strategy-systemv1/internal/strategystore"
	"strategy-systemv1/internal/stream"
	"strategy-systemv1/internal/ticksource"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to engine config YAML")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.Init("engine", parseLevel(cfg.LogLevel))
	log.Info("starting engine", "broker", cfg.Broker, "listen", cfg.ListenAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	health := metrics.NewHealthStatus()

	// Strategy record store: Redis primary, directory fallback for
	// local development without infra.
	var store model.StrategyStore
	redisStore, err := strategystore.NewRedis(strategystore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Warn("redis unavailable, serving strategies from ./strategies", "err", err)
		store = strategystore.NewDir("strategies")
		health.SetStoreOK(false)
	} else {
		store = redisStore
		defer redisStore.Close()
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Error("journal open failed", "path", cfg.JournalPath, "err", err)
		os.Exit(1)
	}
	defer jnl.Close()

	var gateway model.OrderGateway
	var smart *broker.SmartAPI
	switch cfg.Broker {
	case "smartapi":
		smart = broker.NewSmartAPI(broker.SmartAPIConfig{
			BaseURL:    cfg.SmartAPI.BaseURL,
			APIKey:     cfg.SmartAPI.APIKey,
			ClientCode: cfg.SmartAPI.ClientCode,
			PIN:        cfg.SmartAPI.PIN,
			TOTPSecret: cfg.SmartAPI.TOTPSecret,
		})
		if err := smart.Login(ctx); err != nil {
			log.Error("broker login failed", "err", err)
			os.Exit(1)
		}
		gateway = smart
	default:
		gateway = broker.NewPaper(nil, int64(cfg.PaperSlippageBps))
	}

	notifier := buildNotifier(cfg)

	registry := session.NewRegistry(time.Duration(cfg.SessionTTLMin)*time.Minute, log)
	go registry.Janitor(ctx)

	hub := stream.NewHub(registry)
	go hub.Run(ctx)

	server := api.NewServer(api.Config{
		Registry: registry,
		Hub:      hub,
		Store:    store,
		Gateway:  gateway,
		Calendar: fno.NewCalendar(),
		Notifier: notifier,
		Journal:  jnl,
		Sources: func(date time.Time, live bool) (model.TickSource, error) {
			if live {
				return ticksource.OpenLive(ctx, ticksource.LiveConfig{URL: cfg.TickFeedURL})
			}
			return ticksource.OpenSQLite(cfg.TickDBPath, nil, date)
		},
		PersistRoot: cfg.PersistRoot,
		Log:         log,
	})

	mux := server.Router()
	if smart != nil {
		mux.HandleFunc("POST /api/v1/broker/postback", smart.HandlePostback)
	}

	msrv := metrics.NewServer(cfg.MetricsAddr, health)
	msrv.Start()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("http server failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	msrv.Stop(shutdownCtx)
	log.Info("engine stopped")
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.Notify.WebhookURL != "" {
		backends = append(backends, notification.NewWebhook(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChat != "" {
		backends = append(backends, notification.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChat))
	}
	if len(backends) == 1 {
		return backends[0]
	}
	return notification.NewFanout(backends...)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
