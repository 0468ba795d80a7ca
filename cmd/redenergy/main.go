package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/redenergy/pkg/collector"
	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/redenergy"
	"github.com/raterudder/redenergy/pkg/server"
	"github.com/raterudder/redenergy/pkg/storage"
)

func main() {
	// init packages
	api := redenergy.Configured()
	s := storage.Configured()
	c := collector.Configured(api, s)

	// init server
	srv := server.Configured(c, s)

	// parse flags
	lflag.Configure()

	// lflag sets llog's level, copy it over to slog
	level, err := log.SetLevelFromLLog()
	if err != nil {
		panic(err)
	}
	slog.SetDefault(log.Default())
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	// Run blocks until the context is canceled or the listener fails
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		cancel()
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
