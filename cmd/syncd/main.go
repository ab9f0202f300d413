// Command syncd runs the offline mutation queue as a local companion
// service: it persists writes made while the upstream API is unreachable
// and replays them in order once connectivity returns.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/RichardMcSorley/breather-outbox/dbopen"
	"github.com/RichardMcSorley/breather-outbox/httpapi"
	"github.com/RichardMcSorley/breather-outbox/hub"
	"github.com/RichardMcSorley/breather-outbox/netmon"
	"github.com/RichardMcSorley/breather-outbox/oplog"
	"github.com/RichardMcSorley/breather-outbox/outbox"
	"github.com/RichardMcSorley/breather-outbox/syncer"
)

func main() {
	// Config: YAML file if present, env overrides on top.
	cfg := &Config{}
	path := env("CONFIG", "syncd.yaml")
	loaded, err := LoadConfigFile(path)
	switch {
	case err == nil:
		cfg = loaded
	case !os.IsNotExist(err):
		slog.Error("config load failed", "path", path, "error", err)
		os.Exit(1)
	}
	cfg.applyEnv()
	cfg.defaults()

	if cfg.Upstream.BaseURL == "" {
		slog.Error("upstream.base_url (or UPSTREAM_URL) is required")
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Queue DB. The queue and the pass history share one file so a restart
	// while offline loses nothing.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open queue db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := outbox.New(db, outbox.Options{Logger: logger})
	if err := store.EnsureTable(ctx); err != nil {
		slog.Error("ensure outbox table", "error", err)
		os.Exit(1)
	}
	passes := oplog.New(db, oplog.Options{Logger: logger})
	if err := passes.EnsureTable(ctx); err != nil {
		slog.Error("ensure oplog table", "error", err)
		os.Exit(1)
	}

	mon := netmon.New(netmon.Options{
		ProbeURL:        cfg.Probe.URL,
		Interval:        cfg.Probe.Interval,
		Client:          &http.Client{Timeout: cfg.Probe.Timeout},
		InitiallyOnline: cfg.Probe.InitiallyOnline,
		Logger:          logger,
	})
	eng := syncer.New(store, mon, syncer.Options{
		BaseURL:  cfg.Upstream.BaseURL,
		Interval: cfg.Upstream.SyncInterval,
		Client:   &http.Client{Timeout: cfg.Upstream.Timeout},
		Logger:   logger,
	})
	h := hub.New(store, mon, eng, hub.Options{Logger: logger})

	// WebSocket fan-out and pass history feed off the same events the
	// facade already emits.
	events := httpapi.NewEventHub(logger)
	h.Subscribe(events.BroadcastState)
	eng.OnPass(func(r syncer.Report) {
		events.BroadcastPass(r)
		passes.RecordPass(ctx, r)
	})

	if err := h.Start(ctx); err != nil {
		slog.Error("start hub", "error", err)
		os.Exit(1)
	}

	// History retention.
	go func() {
		ticker := time.NewTicker(cfg.History.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := passes.Cleanup(ctx, cfg.History.RetentionDays); err != nil {
					slog.Warn("history cleanup", "error", err)
				}
			}
		}
	}()

	api := httpapi.New(h, passes, events, httpapi.Options{
		TokenHash: cfg.TokenHash,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("syncd listening", "port", cfg.Port, "upstream", cfg.Upstream.BaseURL, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
