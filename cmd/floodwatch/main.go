package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lox/floodwatch/internal/api"
	"github.com/lox/floodwatch/internal/config"
	"github.com/lox/floodwatch/internal/ingest"
	"github.com/lox/floodwatch/internal/risk"
	"github.com/lox/floodwatch/internal/weather"
)

type CLI struct {
	config.Config `embed:""`

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Refresh the grid on a schedule and serve the HTTP API."`
	Refresh  RefreshCmd  `cmd:"" help:"Fetch one grid batch, store it and run one alert cycle."`
	Classify ClassifyCmd `cmd:"" help:"Classify a precipitation amount in millimetres."`
	Predict  PredictCmd  `cmd:"" help:"Fetch current weather for a point and predict flood probability."`
}

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("floodwatch"),
		kong.Description("Global precipitation flood risk monitor."),
		kong.UsageOnError(),
	)
	if err := cli.Config.Validate(); err != nil {
		kctx.FatalIfErrorf(err)
	}
	kctx.FatalIfErrorf(kctx.Run(&cli.Config))
}

type ServeCmd struct {
	NoPoll bool `help:"Serve stored data without refreshing (local development)."`
}

func (c *ServeCmd) Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.scheduler.Restore(ctx); err != nil {
		a.logger.Warn("could not restore snapshot", zap.Error(err))
	}

	if c.NoPoll {
		a.logger.Info("polling disabled (--no-poll)")
	} else {
		go a.scheduler.Run(ctx)
	}

	srv := api.NewServer(api.Deps{
		Store:     a.store,
		Scheduler: a.scheduler,
		Locations: a.locations,
		Notifier:  a.notifier,
		Toasts:    a.toasts,
		Weather:   a.weather,
		Predictor: risk.Predictor{History: a.store},
		Logger:    a.logger.Named("api"),
	}, cfg.Addr)

	if err := srv.Run(ctx, cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

type RefreshCmd struct{}

func (c *RefreshCmd) Run(cfg *config.Config) error {
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.scheduler.Refresh(ctx, ingest.ReasonManual)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type ClassifyCmd struct {
	Precipitation float64 `arg:"" help:"Precipitation in millimetres."`
}

func (c *ClassifyCmd) Run(cfg *config.Config) error {
	a, err := risk.Classify(c.Precipitation)
	if err != nil {
		return err
	}
	return printJSON(a)
}

type PredictCmd struct {
	Lat float64 `arg:"" help:"Latitude."`
	Lon float64 `arg:"" help:"Longitude."`
}

func (c *PredictCmd) Run(cfg *config.Config) error {
	if cfg.OpenWeatherAPIKey == "" {
		return errors.New("OPENWEATHER_API_KEY is required for predictions")
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sample, err := a.weather.Current(ctx, c.Lat, c.Lon)
	if err != nil {
		return err
	}
	prediction, err := risk.Predictor{History: a.store}.Predict(ctx, sample)
	if err != nil {
		return err
	}
	return printJSON(api.WeatherResponse{
		Sample:       sample,
		Prediction:   prediction,
		QualityFlags: weather.QualityFlags(sample),
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
