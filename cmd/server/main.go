package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cronflow/cronflow/internal/api"
	"github.com/cronflow/cronflow/internal/config"
	"github.com/cronflow/cronflow/internal/engine"
	"github.com/cronflow/cronflow/internal/gate"
	"github.com/cronflow/cronflow/internal/notify"
	"github.com/cronflow/cronflow/internal/scheduler"
	"github.com/cronflow/cronflow/internal/store"
	"github.com/cronflow/cronflow/internal/task"
	"github.com/cronflow/cronflow/internal/workunit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := newLogger(cfg.LogLevel)

	st, err := store.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.HistoryLimit, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer st.Close()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	var sink notify.Sink = notify.Nop{}
	if cfg.WebhookURL != "" {
		sink = notify.NewWebhook(cfg.WebhookURL, cfg.NotifyRatePerSec, logger)
	}

	unit := workunit.WithTimeout(workunit.Simulated(cfg.WorkUnitDelay.Std()), cfg.WorkUnitTimeout.Std())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := gate.New(cfg.MaxConcurrentTasks, logger)
	eng := engine.New(st, sink, unit, g, logger)
	g.Bind(func(t *task.Task) error {
		return eng.Run(ctx, t)
	})

	loop := scheduler.New(st, g, cfg.TickInterval.Std(), cfg.StaleAfter.Std(), logger)
	if err := loop.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation failed")
	}
	loop.Start(ctx)

	handler := api.NewHandler(st, loop, g, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.ServerPort).Int("max_concurrent", cfg.MaxConcurrentTasks).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown error")
	}

	loop.Stop()
	logger.Info().Msg("server stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
