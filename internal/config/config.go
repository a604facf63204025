package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultPlace = "Hirvensalmi"

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	MQTTBroker   string
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string
	MQTTTLS      bool
	MQTTClientID string
	MQTTQoS      byte
	MQTTRetain   bool

	TopicTempMeasurement string
	TopicIrrMeasurement  string
	TopicTempForecast    string
	TopicIrrForecast     string
	TopicStatus          string

	FMIBaseURL    string
	ForecastHours int

	// Location: coordinates take precedence over the place name when set.
	Place     string
	Lat, Lon  float64
	CoordsSet bool

	// Once runs a single measurement cycle plus a single forecast cycle
	// and exits, instead of entering the cadence loop.
	Once bool
}

func LoadFromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	if mqttBroker == "" {
		mqttBroker = "localhost"
	}

	mqttPort, err := envInt("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}

	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "fmi-forecaster-1"
	}

	mqttQoS, err := envInt("MQTT_QOS", 1)
	if err != nil {
		return Config{}, err
	}
	if mqttQoS < 0 || mqttQoS > 2 {
		return Config{}, fmt.Errorf("invalid MQTT_QOS %d (allowed: 0, 1, 2)", mqttQoS)
	}

	mqttRetain, err := envBool("MQTT_RETAIN", false)
	if err != nil {
		return Config{}, err
	}

	mqttTLS, err := envBool("MQTT_TLS", false)
	if err != nil {
		return Config{}, err
	}

	forecastHours, err := envInt("FORECAST_HOURS", 36)
	if err != nil {
		return Config{}, err
	}
	if forecastHours <= 0 {
		return Config{}, fmt.Errorf("FORECAST_HOURS must be positive, got %d", forecastHours)
	}

	cfg := Config{
		AppEnv:   appEnv,
		LogLevel: level,

		MQTTBroker:   mqttBroker,
		MQTTPort:     mqttPort,
		MQTTUsername: strings.TrimSpace(os.Getenv("MQTT_USERNAME")),
		MQTTPassword: os.Getenv("MQTT_PASSWORD"),
		MQTTTLS:      mqttTLS,
		MQTTClientID: mqttClientID,
		MQTTQoS:      byte(mqttQoS),
		MQTTRetain:   mqttRetain,

		TopicTempMeasurement: envDefault("TOPIC_TEMP_MEAS", "Measurement/Temperature"),
		TopicIrrMeasurement:  envDefault("TOPIC_IRR_MEAS", "Measurement/Irradiance"),
		TopicTempForecast:    envDefault("TOPIC_TEMP_FC", "Measurement/Forecast/Temperature"),
		TopicIrrForecast:     envDefault("TOPIC_IRR_FC", "Measurement/Forecast/Irradiance"),
		TopicStatus:          envDefault("TOPIC_STATUS", "WeatherMeasurement/status"),

		FMIBaseURL:    strings.TrimSpace(os.Getenv("FMI_BASE_URL")),
		ForecastHours: forecastHours,

		Place: envDefault("WEATHER_PLACE", defaultPlace),
	}

	latStr := strings.TrimSpace(os.Getenv("WEATHER_LAT"))
	lonStr := strings.TrimSpace(os.Getenv("WEATHER_LON"))
	switch {
	case latStr == "" && lonStr == "":
	case latStr != "" && lonStr != "":
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid WEATHER_LAT %q: %w", latStr, err)
		}
		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid WEATHER_LON %q: %w", lonStr, err)
		}
		cfg.Lat, cfg.Lon, cfg.CoordsSet = lat, lon, true
	default:
		return Config{}, fmt.Errorf("WEATHER_LAT and WEATHER_LON must be set together")
	}

	return cfg, nil
}

// SetCoords overrides the location with an explicit coordinate pair.
// Used by the command line, which takes precedence over the environment.
func (c *Config) SetCoords(lat, lon float64) {
	c.Lat, c.Lon, c.CoordsSet = lat, lon, true
}

// SetPlace overrides the location with a place name, clearing any
// coordinates picked up from the environment.
func (c *Config) SetPlace(place string) {
	c.Place = place
	c.CoordsSet = false
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback, nil
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s %q (allowed: true, false)", key, v)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
