package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kwhcast/kwhcast/pkg/forecast"
	"github.com/kwhcast/kwhcast/pkg/ingest"
	"github.com/kwhcast/kwhcast/pkg/log"
	"github.com/kwhcast/kwhcast/pkg/metrics"
	"github.com/kwhcast/kwhcast/pkg/server"
	"github.com/kwhcast/kwhcast/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	s := storage.Configured()
	m := metrics.New(prometheus.DefaultRegisterer)
	f := forecast.Configured(s, m)
	sub := ingest.Configured(s, m, f.Location)

	// init server
	srv := server.Configured(s, f, m, prometheus.DefaultGatherer)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()), slog.String("timezone", f.Location().String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Run will block until context is canceled or error happens
		return srv.Run(ctx)
	})
	if sub.Enabled() {
		g.Go(func() error {
			return sub.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
