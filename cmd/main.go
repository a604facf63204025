package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"weatherpub/internal/app"
	"weatherpub/internal/config"
	"weatherpub/internal/logging"
)

var version = "dev"
var appName = "weatherpub"

func main() {
	place := flag.String("place", "", "place name (e.g. Helsinki)")
	lat := flag.Float64("lat", 0, "latitude (requires -lon)")
	lon := flag.Float64("lon", 0, "longitude (requires -lat)")
	hours := flag.Int("hours", 0, "forecast horizon in hours")
	once := flag.Bool("once", false, "publish measurements and forecasts once, then exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(&cfg, *place, *lat, *lon, *hours, *once); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutting down")
}

// applyFlags lays explicitly set command-line flags over the environment
// configuration; flags win where both exist.
func applyFlags(cfg *config.Config, place string, lat, lon float64, hours int, once bool) error {
	var latSet, lonSet bool
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "lat":
			latSet = true
		case "lon":
			lonSet = true
		}
	})

	switch {
	case latSet && lonSet:
		if place != "" {
			return errors.New("-place and -lat/-lon are mutually exclusive")
		}
		cfg.SetCoords(lat, lon)
	case latSet || lonSet:
		return errors.New("-lat and -lon must be given together")
	case place != "":
		cfg.SetPlace(place)
	}

	if hours < 0 {
		return fmt.Errorf("-hours must be positive, got %d", hours)
	}
	if hours > 0 {
		cfg.ForecastHours = hours
	}
	if once {
		cfg.Once = true
	}
	return nil
}
