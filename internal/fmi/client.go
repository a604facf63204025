package fmi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"weatherpub/internal/weather"
)

// DefaultBaseURL is the FMI open data WFS endpoint.
const DefaultBaseURL = "https://opendata.fmi.fi/wfs"

// Stored queries used by the pipeline.
const (
	obsWeatherQuery   = "fmi::observations::weather::timevaluepair"
	obsRadiationQuery = "fmi::observations::radiation::timevaluepair"
	forecastQuery     = "fmi::forecast::harmonie::surface::point::timevaluepair"
)

// Parameter codes. Observations and forecasts name the same quantities
// differently.
const (
	ParamTemperatureObs = "t2m"
	ParamIrradianceObs  = "GLOB_1MIN"
	ParamTemperatureFC  = "temperature"
	ParamIrradianceFC   = "RadiationGlobal"
)

const (
	fetchTimeout      = 30 * time.Second
	observationWindow = 90 * time.Minute
)

// FetchError reports a failed provider request. Fetch failures are
// recovered by skipping the current cycle; the next cadence tick retries.
type FetchError struct {
	Query string
	Err   error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Query, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Location selects the observation point: either a named place or a
// coordinate pair formatted with six decimals.
type Location struct {
	place    string
	lat, lon float64
	coords   bool
}

func PlaceLocation(place string) Location {
	return Location{place: place}
}

func CoordLocation(lat, lon float64) Location {
	return Location{lat: lat, lon: lon, coords: true}
}

func (l Location) apply(q url.Values) {
	if l.coords {
		q.Set("latlon", l.String())
		return
	}
	q.Set("place", l.place)
}

func (l Location) String() string {
	if l.coords {
		return fmt.Sprintf("%.6f,%.6f", l.lat, l.lon)
	}
	return l.place
}

// Measurements holds the most recent observation per measured quantity.
// A nil field means the provider returned no usable data point inside the
// observation window.
type Measurements struct {
	Temperature *weather.Observation
	Irradiance  *weather.Observation
}

// HourlyForecast holds hour-aligned forecast series. Times always has
// exactly the requested number of entries; the value slices align with it
// and carry nil for hours the provider did not cover.
type HourlyForecast struct {
	Start       time.Time
	Times       []time.Time
	Temperature []*float64
	Irradiance  []*float64
}

// Client fetches and parses FMI WFS stored queries. Requests share one
// circuit breaker so a flapping provider fails fast instead of burning the
// whole fetch timeout on every cadence tick.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "fmi-wfs",
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: fetchTimeout},
		breaker: breaker,
		logger:  logger,
	}
}

// LatestMeasurements pulls recent temperature and irradiance observations
// and reduces each to its newest data point. The two stored queries fail
// as one unit: an error on either skips the whole measurement cycle.
func (c *Client) LatestMeasurements(ctx context.Context, loc Location, now time.Time) (Measurements, error) {
	start := now.Add(-observationWindow)

	tempRaw, err := c.getFeature(ctx, obsWeatherQuery, loc, url.Values{
		"parameters": {ParamTemperatureObs},
		"starttime":  {weather.FormatSeconds(start)},
		"endtime":    {weather.FormatSeconds(now)},
	})
	if err != nil {
		return Measurements{}, err
	}

	irrRaw, err := c.getFeature(ctx, obsRadiationQuery, loc, url.Values{
		"parameters": {ParamIrradianceObs},
		"starttime":  {weather.FormatSeconds(start)},
		"endtime":    {weather.FormatSeconds(now)},
	})
	if err != nil {
		return Measurements{}, err
	}

	return Measurements{
		Temperature: weather.Latest(ParseTimeValuePairs(tempRaw), ParamTemperatureObs),
		Irradiance:  weather.Latest(ParseTimeValuePairs(irrRaw), ParamIrradianceObs),
	}, nil
}

// HourlyForecast pulls the surface point forecast from the next full hour
// after now for the given horizon and buckets it into hourly slots.
func (c *Client) HourlyForecast(ctx context.Context, loc Location, hours int, now time.Time) (HourlyForecast, error) {
	start := weather.CeilToHour(now)
	end := start.Add(time.Duration(hours) * time.Hour)

	raw, err := c.getFeature(ctx, forecastQuery, loc, url.Values{
		"parameters": {ParamTemperatureFC + "," + ParamIrradianceFC},
		"starttime":  {weather.FormatSeconds(start)},
		"endtime":    {weather.FormatSeconds(end)},
		"timestep":   {strconv.Itoa(60)},
	})
	if err != nil {
		return HourlyForecast{}, err
	}

	obs := ParseTimeValuePairs(raw)
	times := weather.HourlyIndex(now, hours)
	return HourlyForecast{
		Start:       start,
		Times:       times,
		Temperature: weather.HourlyValues(weather.BucketHourly(obs, ParamTemperatureFC), times),
		Irradiance:  weather.HourlyValues(weather.BucketHourly(obs, ParamIrradianceFC), times),
	}, nil
}

func (c *Client) getFeature(ctx context.Context, storedQuery string, loc Location, params url.Values) ([]byte, error) {
	q := url.Values{
		"service":        {"WFS"},
		"version":        {"2.0.0"},
		"request":        {"getFeature"},
		"storedquery_id": {storedQuery},
	}
	for key, vals := range params {
		q[key] = vals
	}
	loc.apply(q)

	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, &FetchError{Query: storedQuery, Err: err}
	}

	raw := body.([]byte)
	c.logger.Debug("provider response", "stored_query", storedQuery, "bytes", len(raw))
	return raw, nil
}
