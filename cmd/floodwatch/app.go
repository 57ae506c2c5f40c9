package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/lox/floodwatch/internal/alert"
	"github.com/lox/floodwatch/internal/config"
	"github.com/lox/floodwatch/internal/ingest"
	"github.com/lox/floodwatch/internal/logging"
	"github.com/lox/floodwatch/internal/precip"
	"github.com/lox/floodwatch/internal/state"
	"github.com/lox/floodwatch/internal/store"
	"github.com/lox/floodwatch/internal/toast"
	"github.com/lox/floodwatch/internal/watch"
	"github.com/lox/floodwatch/internal/weather"
)

// app is the wired set of components shared by the subcommands.
type app struct {
	logger    *zap.Logger
	store     *store.Store
	locations *watch.Locations
	toasts    *toast.Feed
	notifier  *alert.Notifier
	scheduler *ingest.Scheduler
	weather   weather.Fetcher

	closers []func() error
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger}
	clock := clockwork.NewRealClock()
	loc := cfg.Location()

	if dir := filepath.Dir(cfg.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	applyPragmas(ctx, db, logger)

	a.store = store.New(db, loc, logger.Named("store"))
	if err := a.store.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var backend state.Backend = a.store.State()
	if cfg.RedisURL != "" {
		r, err := state.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		backend = r
		a.closers = append(a.closers, r.Close)
		logger.Info("user state in redis")
	}

	a.locations, err = watch.Open(ctx, backend, clock, logger.Named("locations"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.toasts = toast.NewFeed(clock)

	sinks := alert.MultiSink{
		alert.LogSink{Logger: logger.Named("alerts")},
		store.AlertLog{Store: a.store},
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := alert.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, k)
		a.closers = append(a.closers, k.Close)
		logger.Info("publishing alerts to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	a.notifier, err = alert.NewNotifier(ctx, alert.Config{
		Locations: a.locations,
		Backend:   backend,
		Sink:      sinks,
		Toasts:    a.toasts,
		Clock:     clock,
		Location:  loc,
		Logger:    logger.Named("notifier"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	grid := precip.DefaultGrid
	if cfg.GridFile != "" {
		grid, err = precip.LoadGrid(cfg.GridFile)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var provider precip.Provider
	if cfg.MeteostatAPIKey != "" {
		provider = precip.NewMeteostat(cfg.MeteostatAPIKey, grid, clock, logger.Named("meteostat"))
	} else {
		logger.Warn("METEOSTAT_API_KEY not set, serving simulated precipitation")
		provider = precip.NewSimulated(grid, clock, loc, nil)
	}

	a.scheduler = ingest.NewScheduler(ingest.Config{
		Store:                 a.store,
		Provider:              provider,
		Notifier:              a.notifier,
		Clock:                 clock,
		Logger:                logger.Named("scheduler"),
		Location:              loc,
		Interval:              cfg.RefreshInterval,
		Timeout:               cfg.RefreshTimeout,
		HousekeepingSchedule:  cfg.HousekeepingSchedule,
		NotificationRetention: cfg.NotificationRetention,
		ReadingRetention:      cfg.ReadingRetention,
	})

	if cfg.OpenWeatherAPIKey != "" {
		a.weather = weather.NewCache(weather.NewClient(cfg.OpenWeatherAPIKey, weather.WithClock(clock)), cfg.WeatherCacheTTL, clock)
	} else {
		logger.Warn("OPENWEATHER_API_KEY not set, point lookups disabled")
	}

	logger.Info("ready",
		zap.String("db", cfg.DB),
		zap.String("provider", provider.Name()),
		zap.Int("grid_points", len(grid)),
		zap.String("tz", loc.String()),
	)
	return a, nil
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

// applyPragmas tunes the connection. Failures are logged and the database
// keeps its defaults.
func applyPragmas(ctx context.Context, db *sql.DB, logger *zap.Logger) {
	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logger.Warn("sqlite pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
	a.logger.Sync()
}
