package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/batcontrol/batcontrol/pkg/common"
	"github.com/batcontrol/batcontrol/pkg/config"
	"github.com/batcontrol/batcontrol/pkg/consumption"
	"github.com/batcontrol/batcontrol/pkg/core"
	"github.com/batcontrol/batcontrol/pkg/fetch"
	"github.com/batcontrol/batcontrol/pkg/inverter"
	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/mqtt"
	"github.com/batcontrol/batcontrol/pkg/server"
	"github.com/batcontrol/batcontrol/pkg/solar"
	"github.com/batcontrol/batcontrol/pkg/storage"
	"github.com/batcontrol/batcontrol/pkg/tariff"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// flags can come from the environment; a .env file is optional
	_ = godotenv.Load()

	// init packages
	db := storage.Configured()
	srv := server.Configured()
	bridge := mqtt.Configured()
	configPath := lflag.String("site-config", "batcontrol.yaml", "path to the site configuration YAML")

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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	c, err := buildCore(cfg, db)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to assemble controller", slog.Any("error", err))
		os.Exit(1)
	}
	srv.Attach(c, db)
	bridge.Attach(c)
	c.AddPublisher(srv.Hub())
	if bridge.Enabled() {
		c.AddPublisher(bridge)
	}

	// the server and the mqtt bridge stop with the same context; the core
	// drives the exit code
	errChan := make(chan error, 2)
	go func() { errChan <- srv.Run(ctx) }()
	go func() { errChan <- bridge.Run(ctx) }()

	if err := c.Run(ctx); err != nil {
		var oerr *inverter.OutageError
		if errors.As(err, &oerr) {
			log.Ctx(ctx).ErrorContext(ctx, "inverter outage, exiting", slog.Any("error", err))
		} else {
			log.Ctx(ctx).ErrorContext(ctx, "controller failed", slog.Any("error", err))
		}
		cancel()
		os.Exit(1)
	}
	cancel()
	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "subsystem failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "controller exited cleanly")
}

// buildCore assembles the providers and the inverter per the site config.
func buildCore(cfg config.Config, db storage.Database) (*core.Core, error) {
	loc := cfg.Location()
	fetcher := fetch.NewFetcher(
		common.HTTPClient(common.ExternalAPITimeout),
		fetch.NewRateLimits(),
		10*time.Second,
	)

	t, err := tariff.FromConfig(cfg.Tariff, fetcher, cfg.TargetResolutionMinutes, loc)
	if err != nil {
		return nil, fmt.Errorf("tariff provider: %w", err)
	}
	s, err := solar.FromConfig(cfg.Solar, fetcher, cfg.TargetResolutionMinutes, loc)
	if err != nil {
		return nil, fmt.Errorf("solar provider: %w", err)
	}
	cons, err := consumption.FromConfig(cfg.Consumption, db, cfg.TargetResolutionMinutes, loc)
	if err != nil {
		return nil, fmt.Errorf("consumption provider: %w", err)
	}
	driver, err := inverter.FromConfig(cfg.Inverter)
	if err != nil {
		return nil, fmt.Errorf("inverter driver: %w", err)
	}
	return core.New(cfg, t, s, cons, inverter.NewResilient(driver, cfg.Inverter), db), nil
}
