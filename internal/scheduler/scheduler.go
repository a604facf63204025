package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"weatherpub/internal/config"
	"weatherpub/internal/fmi"
	"weatherpub/internal/weather"
)

// Clock is the time source driving the cadence loop. Injected so tests can
// cross minute and hour boundaries without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Source fetches normalized weather data for a location.
type Source interface {
	LatestMeasurements(ctx context.Context, loc fmi.Location, now time.Time) (fmi.Measurements, error)
	HourlyForecast(ctx context.Context, loc fmi.Location, hours int, now time.Time) (fmi.HourlyForecast, error)
}

// Publisher delivers one message to one topic.
type Publisher interface {
	Publish(topic string, msg weather.Message) error
}

// Scheduler drives the pipeline on two overlapping cadences sharing one
// wall-clock loop: measurements on every minute boundary, forecasts at the
// top of each hour. Failures inside a cycle are logged and the loop keeps
// going; only context cancellation ends it.
type Scheduler struct {
	cfg       config.Config
	location  fmi.Location
	source    Source
	publisher Publisher
	logger    *slog.Logger
	clock     Clock

	lastForecastHour int
}

func New(cfg config.Config, location fmi.Location, source Source, publisher Publisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:              cfg,
		location:         location,
		source:           source,
		publisher:        publisher,
		logger:           logger,
		clock:            realClock{},
		lastForecastHour: -1,
	}
}

// Run blocks until ctx is cancelled. Each iteration sleeps to the next
// minute boundary, runs the measurement cycle, then re-reads the clock:
// the forecast cycle fires only when the minute-of-hour is zero and the
// hour differs from the last forecast run. The hour guard keeps a slow
// measurement cycle from triggering the forecast twice within one hour.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"location", s.location.String(),
		"forecast_hours", s.cfg.ForecastHours,
	)

	for {
		// Re-check before waiting: After may be ready at the same instant
		// as cancellation and the loop must prefer exiting.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := s.clock.Now().UTC()
		wake := ceilToMinute(now)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wake.Sub(now)):
		}

		if err := s.runMeasurementCycle(ctx); err != nil {
			s.logger.Error("measurement cycle failed", "error", err)
		}

		now = s.clock.Now().UTC()
		if now.Minute() == 0 && now.Hour() != s.lastForecastHour {
			s.lastForecastHour = now.Hour()
			if err := s.runForecastCycle(ctx); err != nil {
				s.logger.Error("forecast cycle failed", "error", err)
			}
		}
	}
}

// RunOnce runs a single measurement cycle followed by a single forecast
// cycle with no boundary waiting. The cycles fail independently; the
// returned error reflects every failure.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	measErr := s.runMeasurementCycle(ctx)
	if measErr != nil {
		s.logger.Error("measurement cycle failed", "error", measErr)
	}
	fcErr := s.runForecastCycle(ctx)
	if fcErr != nil {
		s.logger.Error("forecast cycle failed", "error", fcErr)
	}
	return errors.Join(measErr, fcErr)
}

func (s *Scheduler) runMeasurementCycle(ctx context.Context) error {
	now := s.clock.Now().UTC()
	meas, err := s.source.LatestMeasurements(ctx, s.location, now)
	if err != nil {
		return err
	}

	loc := s.location.String()
	tempMsg := weather.NewTemperatureMeasurement(meas.Temperature, loc, s.clock.Now().UTC())
	irrMsg := weather.NewIrradianceMeasurement(meas.Irradiance, loc, s.clock.Now().UTC())

	var firstErr error
	if err := s.publisher.Publish(s.cfg.TopicTempMeasurement, tempMsg); err != nil {
		s.logger.Error("measurement publish failed", "topic", s.cfg.TopicTempMeasurement, "error", err)
		firstErr = err
	}
	if err := s.publisher.Publish(s.cfg.TopicIrrMeasurement, irrMsg); err != nil {
		s.logger.Error("measurement publish failed", "topic", s.cfg.TopicIrrMeasurement, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) runForecastCycle(ctx context.Context) error {
	now := s.clock.Now().UTC()
	fc, err := s.source.HourlyForecast(ctx, s.location, s.cfg.ForecastHours, now)
	if err != nil {
		return err
	}

	loc := s.location.String()
	tempMsg := weather.NewForecast(weather.SeriesTemperature, weather.UnitCelsius, loc, fc.Times, fc.Temperature, now)
	irrMsg := weather.NewForecast(weather.SeriesIrradiance, weather.UnitIrradiance, loc, fc.Times, fc.Irradiance, now)

	var firstErr error
	if err := s.publisher.Publish(s.cfg.TopicTempForecast, tempMsg); err != nil {
		s.logger.Error("forecast publish failed", "topic", s.cfg.TopicTempForecast, "error", err)
		firstErr = err
	}
	if err := s.publisher.Publish(s.cfg.TopicIrrForecast, irrMsg); err != nil {
		s.logger.Error("forecast publish failed", "topic", s.cfg.TopicIrrForecast, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func ceilToMinute(t time.Time) time.Time {
	trunc := t.Truncate(time.Minute)
	if trunc.Equal(t) {
		return trunc
	}
	return trunc.Add(time.Minute)
}
