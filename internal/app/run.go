package app

import (
	"context"
	"log/slog"
	"time"

	"weatherpub/internal/config"
	"weatherpub/internal/fmi"
	"weatherpub/internal/mqtt"
	"weatherpub/internal/scheduler"
)

// Run wires the pipeline and drives it until ctx is cancelled (continuous
// mode) or one measurement plus one forecast cycle completed (one-shot).
func Run(ctx context.Context, cfg config.Config) error {
	location := resolveLocation(cfg)

	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttClientID", cfg.MQTTClientID,
		"mqttQoS", cfg.MQTTQoS,
		"mqttRetain", cfg.MQTTRetain,
		"location", location.String(),
		"forecastHours", cfg.ForecastHours,
		"once", cfg.Once,
	)

	source := fmi.NewClient(cfg.FMIBaseURL, slog.Default())
	publisher := mqtt.NewPublisher(cfg, slog.Default())
	sched := scheduler.New(cfg, location, source, publisher, slog.Default())

	if cfg.Once {
		// Bounded initial connect so a down broker cannot hang the run;
		// publishes are attempted either way and report their own failures.
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := publisher.Connect(connectCtx)
		cancel()
		if err != nil {
			slog.Warn("mqtt connect failed (continuing)", "error", err)
		}
		defer publisher.Disconnect()

		return sched.RunOnce(ctx)
	}

	go func() {
		if err := publisher.Connect(ctx); err != nil {
			slog.Error("mqtt connect failed", "error", err)
		}
	}()
	defer publisher.Disconnect()

	return sched.Run(ctx)
}

func resolveLocation(cfg config.Config) fmi.Location {
	if cfg.CoordsSet {
		return fmi.CoordLocation(cfg.Lat, cfg.Lon)
	}
	return fmi.PlaceLocation(cfg.Place)
}
