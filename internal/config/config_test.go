package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestParseRankWeights(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, w map[string]float64)
	}{
		{
			name:  "empty yields defaults",
			input: "",
			check: func(t *testing.T, w map[string]float64) {
				if w["volume"] != DefaultRankWeights["volume"] {
					t.Errorf("volume = %v, want default", w["volume"])
				}
				if len(w) != len(DefaultRankWeights) {
					t.Errorf("len = %d, want %d", len(w), len(DefaultRankWeights))
				}
			},
		},
		{
			name:  "override one dimension",
			input: "volume=0.5",
			check: func(t *testing.T, w map[string]float64) {
				if w["volume"] != 0.5 {
					t.Errorf("volume = %v, want 0.5", w["volume"])
				}
				if w["impact"] != DefaultRankWeights["impact"] {
					t.Errorf("impact should keep its default")
				}
			},
		},
		{
			name:  "spaces tolerated",
			input: " followers = 0.3 , profile = 0.1 ",
			check: func(t *testing.T, w map[string]float64) {
				if w["followers"] != 0.3 || w["profile"] != 0.1 {
					t.Errorf("got followers=%v profile=%v", w["followers"], w["profile"])
				}
			},
		},
		{name: "unknown dimension", input: "velocity=0.5", wantErr: true},
		{name: "malformed pair", input: "volume", wantErr: true},
		{name: "non-numeric weight", input: "volume=lots", wantErr: true},
		{name: "negative weight", input: "volume=-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseRankWeights(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, w)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DBPath:            "test.db",
			ScheduleTimezone:  "UTC",
			ProcessBatchSize:  100,
			EnrichMaxAttempts: 3,
			ItemTimeout:       30 * time.Second,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero batch size", func(c *Config) { c.ProcessBatchSize = 0 }},
		{"batch size over cap", func(c *Config) { c.ProcessBatchSize = MaxProcessBatchSize + 1 }},
		{"zero max attempts", func(c *Config) { c.EnrichMaxAttempts = 0 }},
		{"negative low water", func(c *Config) { c.RateLimitLowWater = -1 }},
		{"bad timezone", func(c *Config) { c.ScheduleTimezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	c := &Config{LogLevel: "debug"}
	log := c.NewLogger()
	if log == nil {
		t.Fatal("NewLogger returned nil")
	}
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not honored")
	}

	c = &Config{LogLevel: "error", LogFile: filepath.Join(t.TempDir(), "gitpulse.log")}
	log = c.NewLogger()
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("error level should suppress info")
	}
	log.Error("rotation target works")
}

func TestLocationFallback(t *testing.T) {
	c := &Config{ScheduleTimezone: "not-a-zone"}
	if loc := c.Location(); loc != time.UTC {
		t.Errorf("Location() = %v, want UTC fallback", loc)
	}
	c.ScheduleTimezone = "America/New_York"
	if loc := c.Location(); loc.String() != "America/New_York" {
		t.Errorf("Location() = %v", loc)
	}
}
