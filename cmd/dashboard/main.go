package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crowdwatch/internal/app"
	"crowdwatch/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config failed", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	logger.Info("starting dashboard", "addr", cfg.Dashboard.Addr, "feed", cfg.Dashboard.FeedURL, "poll_interval", cfg.Dashboard.PollInterval)

	d, err := app.NewDashboard(cfg, logger)
	if err != nil {
		logger.Error("init failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		logger.Error("shutdown with error", "err", err)
		os.Exit(1)
	}
}
