// Package config loads gitpulse configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the environment leaves a key unset.
const (
	DefaultDBPath            = "gitpulse.db"
	DefaultHTTPAddr          = "127.0.0.1:8390"
	DefaultScheduleTimezone  = "UTC"
	DefaultRateLimitLowWater = 100
	DefaultEnrichMaxAttempts = 3
	DefaultProcessBatchSize  = 100
	MaxProcessBatchSize      = 1000
	DefaultEnrichBatchSize   = 5
	DefaultEnrichBatchAll    = 25
	DefaultSyncEventPages    = 3
	DefaultItemTimeout       = 30 * time.Second
	DefaultShutdownGrace     = 30 * time.Second
)

// Config is the fully resolved process configuration.
type Config struct {
	DBPath        string
	ProviderToken string
	// ProviderBaseURL overrides the provider API endpoint; empty means the
	// public endpoint.
	ProviderBaseURL string

	LogLevel string
	LogFile  string

	HTTPAddr         string
	ScheduleTimezone string

	RateLimitLowWater int
	EnrichMaxAttempts int
	ProcessBatchSize  int
	EnrichBatchSize   int
	EnrichBatchAll    int
	SyncEventPages    int

	ItemTimeout   time.Duration
	ShutdownGrace time.Duration

	// RankWeights maps ranking dimension name to its weight in the total
	// score. Missing dimensions fall back to DefaultRankWeights.
	RankWeights map[string]float64
}

// DefaultRankWeights is the built-in weighting of the ranking dimensions.
// Weights sum to 1.0.
var DefaultRankWeights = map[string]float64{
	"volume":        0.20,
	"efficiency":    0.10,
	"impact":        0.20,
	"influence":     0.10,
	"popularity":    0.10,
	"followers":     0.10,
	"profile":       0.05,
	"collaboration": 0.15,
}

// Load reads configuration from the environment. It never reads files; all
// keys are plain environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DB_PATH", DefaultDBPath)
	v.SetDefault("HTTP_ADDR", DefaultHTTPAddr)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SCHEDULE_TIMEZONE", DefaultScheduleTimezone)
	v.SetDefault("RATE_LIMIT_LOW_WATER", DefaultRateLimitLowWater)
	v.SetDefault("ENRICH_MAX_ATTEMPTS", DefaultEnrichMaxAttempts)
	v.SetDefault("PROCESS_BATCH_SIZE", DefaultProcessBatchSize)
	v.SetDefault("ENRICH_BATCH_SIZE", DefaultEnrichBatchSize)
	v.SetDefault("ENRICH_BATCH_SIZE_ALL", DefaultEnrichBatchAll)
	v.SetDefault("SYNC_EVENT_PAGES", DefaultSyncEventPages)

	cfg := &Config{
		DBPath:            v.GetString("DB_PATH"),
		ProviderToken:     v.GetString("PROVIDER_TOKEN"),
		ProviderBaseURL:   v.GetString("PROVIDER_BASE_URL"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFile:           v.GetString("LOG_FILE"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		ScheduleTimezone:  v.GetString("SCHEDULE_TIMEZONE"),
		RateLimitLowWater: v.GetInt("RATE_LIMIT_LOW_WATER"),
		EnrichMaxAttempts: v.GetInt("ENRICH_MAX_ATTEMPTS"),
		ProcessBatchSize:  v.GetInt("PROCESS_BATCH_SIZE"),
		EnrichBatchSize:   v.GetInt("ENRICH_BATCH_SIZE"),
		EnrichBatchAll:    v.GetInt("ENRICH_BATCH_SIZE_ALL"),
		SyncEventPages:    v.GetInt("SYNC_EVENT_PAGES"),
		ItemTimeout:       DefaultItemTimeout,
		ShutdownGrace:     DefaultShutdownGrace,
	}

	weights, err := ParseRankWeights(v.GetString("RANK_WEIGHTS"))
	if err != nil {
		return nil, fmt.Errorf("invalid RANK_WEIGHTS: %w", err)
	}
	cfg.RankWeights = weights

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	if c.ProcessBatchSize < 1 {
		return fmt.Errorf("PROCESS_BATCH_SIZE must be positive, got %d", c.ProcessBatchSize)
	}
	if c.ProcessBatchSize > MaxProcessBatchSize {
		return fmt.Errorf("PROCESS_BATCH_SIZE must be at most %d, got %d", MaxProcessBatchSize, c.ProcessBatchSize)
	}
	if c.EnrichMaxAttempts < 1 {
		return fmt.Errorf("ENRICH_MAX_ATTEMPTS must be positive, got %d", c.EnrichMaxAttempts)
	}
	if c.RateLimitLowWater < 0 {
		return fmt.Errorf("RATE_LIMIT_LOW_WATER must not be negative, got %d", c.RateLimitLowWater)
	}
	if _, err := time.LoadLocation(c.ScheduleTimezone); err != nil {
		return fmt.Errorf("SCHEDULE_TIMEZONE %q: %w", c.ScheduleTimezone, err)
	}
	return nil
}

// Location resolves the configured schedule timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseRankWeights parses a "dimension=weight,dimension=weight" string into a
// complete weight map. Unknown dimensions are rejected; unspecified ones keep
// their defaults. An empty string yields the defaults.
func ParseRankWeights(s string) (map[string]float64, error) {
	weights := make(map[string]float64, len(DefaultRankWeights))
	for k, w := range DefaultRankWeights {
		weights[k] = w
	}
	if strings.TrimSpace(s) == "" {
		return weights, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q (want dimension=weight)", pair)
		}
		name = strings.TrimSpace(name)
		if _, known := DefaultRankWeights[name]; !known {
			return nil, fmt.Errorf("unknown dimension %q", name)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("weight for %q: %w", name, err)
		}
		if w < 0 {
			return nil, fmt.Errorf("weight for %q must not be negative", name)
		}
		weights[name] = w
	}
	return weights, nil
}
