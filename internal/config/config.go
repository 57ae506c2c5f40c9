package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds service settings. Every field binds a flag and an environment
// variable; values in a .env file are loaded before parsing.
type Config struct {
	DB        string `name:"db" env:"FLOODWATCH_DB" default:"data/floodwatch.db" help:"Path to SQLite database."`
	Addr      string `name:"addr" env:"FLOODWATCH_ADDR" default:":8080" help:"HTTP listen address."`
	LogLevel  string `name:"log-level" env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat string `name:"log-format" env:"LOG_FORMAT" default:"json" enum:"json,console" help:"Log encoding."`
	TimeZone  string `name:"tz" env:"FLOODWATCH_TZ" default:"UTC" help:"IANA time zone for alert days and housekeeping."`

	OpenWeatherAPIKey string        `name:"openweather-api-key" env:"OPENWEATHER_API_KEY" help:"OpenWeather key for point lookups."`
	MeteostatAPIKey   string        `name:"meteostat-api-key" env:"METEOSTAT_API_KEY" help:"RapidAPI key for Meteostat; simulated data is used when unset."`
	GridFile          string        `name:"grid-file" env:"FLOODWATCH_GRID_FILE" help:"YAML/JSON/TOML file of monitored grid points."`
	WeatherCacheTTL   time.Duration `name:"weather-cache-ttl" env:"WEATHER_CACHE_TTL" default:"10m" help:"How long point lookups are cached."`

	RefreshInterval       time.Duration `name:"refresh-interval" env:"REFRESH_INTERVAL" default:"5m" help:"Grid refresh interval."`
	RefreshTimeout        time.Duration `name:"refresh-timeout" env:"REFRESH_TIMEOUT" default:"2m" help:"Deadline for one grid fetch."`
	HousekeepingSchedule  string        `name:"housekeeping-schedule" env:"HOUSEKEEPING_SCHEDULE" default:"@daily" help:"Cron schedule for pruning."`
	NotificationRetention time.Duration `name:"notification-retention" env:"NOTIFICATION_RETENTION" default:"168h" help:"How long alert records are kept."`
	ReadingRetention      time.Duration `name:"reading-retention" env:"READING_RETENTION" default:"2160h" help:"How long stored readings are kept."`

	RedisURL     string   `name:"redis-url" env:"REDIS_URL" help:"Keep user state in Redis instead of SQLite."`
	KafkaBrokers []string `name:"kafka-brokers" env:"KAFKA_BROKERS" sep:"," help:"Publish alerts to these Kafka brokers."`
	KafkaTopic   string   `name:"kafka-topic" env:"KAFKA_TOPIC" default:"flood-alerts" help:"Kafka topic for alerts."`

	ShutdownTimeout time.Duration `name:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"10s" help:"Grace period for in-flight requests."`
}

// Validate checks values that flag parsing cannot.
func (c *Config) Validate() error {
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"REFRESH_INTERVAL", c.RefreshInterval},
		{"REFRESH_TIMEOUT", c.RefreshTimeout},
		{"NOTIFICATION_RETENTION", c.NotificationRetention},
		{"READING_RETENTION", c.ReadingRetention},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"WEATHER_CACHE_TTL", c.WeatherCacheTTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}

	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid FLOODWATCH_TZ %q: %w", c.TimeZone, err)
	}
	if _, err := cron.ParseStandard(c.HousekeepingSchedule); err != nil {
		return fmt.Errorf("invalid HOUSEKEEPING_SCHEDULE %q: %w", c.HousekeepingSchedule, err)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// Location returns the configured time zone. Call after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
