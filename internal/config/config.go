package config

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Feed      FeedConfig
	Worker    WorkerConfig
	Sources   SourcesConfig
	Geocoder  GeocoderConfig
	Retention RetentionConfig
	DB        DatabaseConfig
	Logging   LoggingConfig
	Admin     AdminConfig

	SeedSampleData bool
}

type ServerConfig struct {
	Host        string
	Port        int
	RateLimit   float64 // requests per second per client
	CORSOrigins []string
}

type FeedConfig struct {
	RefreshInterval time.Duration
	DefaultRadiusKm float64
	RadiusOptions   []float64
	// AutoLocate starts the feed at the default location instead of
	// waiting for a client to supply one.
	AutoLocate       bool
	DefaultLatitude  float64
	DefaultLongitude float64
}

type WorkerConfig struct {
	Count      int
	BufferSize int
}

type SourcesConfig struct {
	SimulatedEnabled    bool
	SimulatedInterval   time.Duration // 0 means on demand only
	GeoJSONEnabled      bool
	GeoJSONURL          string
	GeoJSONPollInterval time.Duration
	MQTTEnabled         bool
	MQTTBroker          string
	MQTTClientID        string
	MQTTIssuesTopic     string
	MQTTFeedTopic       string // empty disables snapshot publishing
}

type GeocoderConfig struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

type RetentionConfig struct {
	ExternalMaxAge time.Duration
	SweepInterval  time.Duration
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type AdminConfig struct {
	Name     string
	Email    string
	Password string
}

func Load() (*Config, error) {
	radiusOptions, err := getEnvFloats("FEED_RADIUS_OPTIONS", []float64{1, 3, 5, 10})
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "localhost"),
			Port:        getEnvInt("SERVER_PORT", 8080),
			RateLimit:   getEnvFloat("RATE_LIMIT_RPS", 5),
			CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Feed: FeedConfig{
			RefreshInterval:  getEnvDuration("FEED_REFRESH_INTERVAL", 30*time.Second),
			DefaultRadiusKm:  getEnvFloat("FEED_DEFAULT_RADIUS_KM", 3),
			RadiusOptions:    radiusOptions,
			AutoLocate:       getEnvBool("FEED_AUTO_LOCATE", false),
			DefaultLatitude:  getEnvFloat("FEED_DEFAULT_LATITUDE", 40.7128),
			DefaultLongitude: getEnvFloat("FEED_DEFAULT_LONGITUDE", -74.0060),
		},
		Worker: WorkerConfig{
			Count:      getEnvInt("WORKER_COUNT", 2),
			BufferSize: getEnvInt("WORKER_BUFFER_SIZE", 20),
		},
		Sources: SourcesConfig{
			SimulatedEnabled:    getEnvBool("SIMULATED_ENABLED", true),
			SimulatedInterval:   getEnvDuration("SIMULATED_INTERVAL", 0),
			GeoJSONEnabled:      getEnvBool("GEOJSON_ENABLED", false),
			GeoJSONURL:          getEnv("GEOJSON_URL", ""),
			GeoJSONPollInterval: getEnvDuration("GEOJSON_POLL_INTERVAL", 5*time.Minute),
			MQTTEnabled:         getEnvBool("MQTT_ENABLED", false),
			MQTTBroker:          getEnv("MQTT_BROKER", "tcp://localhost:1883"),
			MQTTClientID:        getEnv("MQTT_CLIENT_ID", "civictrack"),
			MQTTIssuesTopic:     getEnv("MQTT_ISSUES_TOPIC", "civictrack/issues"),
			MQTTFeedTopic:       getEnv("MQTT_FEED_TOPIC", ""),
		},
		Geocoder: GeocoderConfig{
			URL:       getEnv("GEOCODER_URL", "https://nominatim.openstreetmap.org"),
			UserAgent: getEnv("GEOCODER_USER_AGENT", "civictrack/1.0"),
			Timeout:   getEnvDuration("GEOCODER_TIMEOUT", 10*time.Second),
		},
		Retention: RetentionConfig{
			ExternalMaxAge: getEnvDuration("EXTERNAL_RETENTION", 24*time.Hour),
			SweepInterval:  getEnvDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/civictrack.db"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Admin: AdminConfig{
			Name:     getEnv("ADMIN_NAME", "Admin User"),
			Email:    getEnv("ADMIN_EMAIL", "admin@civictrack.com"),
			Password: getEnv("ADMIN_PASSWORD", "admin123"),
		},
		SeedSampleData: getEnvBool("SEED_SAMPLE_DATA", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("invalid rate limit: %v", c.Server.RateLimit)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Feed.RefreshInterval < time.Second {
		return fmt.Errorf("feed refresh interval must be at least 1 second")
	}
	if len(c.Feed.RadiusOptions) == 0 {
		return fmt.Errorf("at least one radius option is required")
	}
	for _, r := range c.Feed.RadiusOptions {
		if r <= 0 || math.IsInf(r, 0) || math.IsNaN(r) {
			return fmt.Errorf("invalid radius option: %v", r)
		}
	}
	if !slices.Contains(c.Feed.RadiusOptions, c.Feed.DefaultRadiusKm) {
		return fmt.Errorf("default radius %v is not one of the radius options %v", c.Feed.DefaultRadiusKm, c.Feed.RadiusOptions)
	}
	if c.Feed.DefaultLatitude < -90 || c.Feed.DefaultLatitude > 90 ||
		c.Feed.DefaultLongitude < -180 || c.Feed.DefaultLongitude > 180 {
		return fmt.Errorf("invalid default location: %v,%v", c.Feed.DefaultLatitude, c.Feed.DefaultLongitude)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	if c.Sources.SimulatedInterval != 0 && c.Sources.SimulatedInterval < 10*time.Second {
		return fmt.Errorf("simulated interval must be 0 or at least 10 seconds")
	}
	if c.Sources.GeoJSONEnabled {
		if c.Sources.GeoJSONURL == "" {
			return fmt.Errorf("GEOJSON_URL is required when GeoJSON ingestion is enabled")
		}
		if c.Sources.GeoJSONPollInterval < time.Minute {
			return fmt.Errorf("GeoJSON poll interval must be at least 1 minute")
		}
	}
	if c.Sources.MQTTEnabled && c.Sources.MQTTIssuesTopic == "" {
		return fmt.Errorf("MQTT issues topic is required when MQTT is enabled")
	}

	if c.Retention.ExternalMaxAge <= 0 {
		return fmt.Errorf("external retention must be positive")
	}
	if c.Retention.SweepInterval < time.Minute {
		return fmt.Errorf("retention sweep interval must be at least 1 minute")
	}

	if len(c.Admin.Password) < 6 {
		return fmt.Errorf("admin password must be at least 6 characters")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvFloats(key string, fallback []float64) ([]float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	var out []float64
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, part, err)
		}
		out = append(out, f)
	}
	return out, nil
}
