// Package config loads and validates the monitor configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DetectorWeights holds the fusion weight of each detector. Weights are
// normalised to sum to 1 before use.
type DetectorWeights struct {
	Keyword     float64 `yaml:"keyword" validate:"gte=0"`
	DOM         float64 `yaml:"dom" validate:"gte=0"`
	API         float64 `yaml:"api" validate:"gte=0"`
	Fingerprint float64 `yaml:"fingerprint" validate:"gte=0"`
}

// Normalised returns the weights scaled to sum to 1.
func (w DetectorWeights) Normalised() DetectorWeights {
	sum := w.Keyword + w.DOM + w.API + w.Fingerprint
	if sum <= 0 {
		return DefaultWeights()
	}
	return DetectorWeights{
		Keyword:     w.Keyword / sum,
		DOM:         w.DOM / sum,
		API:         w.API / sum,
		Fingerprint: w.Fingerprint / sum,
	}
}

// DefaultWeights returns the stock fusion weights.
func DefaultWeights() DetectorWeights {
	return DetectorWeights{Keyword: 0.20, DOM: 0.35, API: 0.35, Fingerprint: 0.10}
}

// Config is the typed configuration record. All durations are expressed in
// seconds in the file, matching the original deployment format.
type Config struct {
	DatabasePath string `yaml:"database_path" validate:"required"`

	BotToken string   `yaml:"bot_token"`
	ChatID   string   `yaml:"chat_id"`
	AdminIDs []string `yaml:"admin_ids"`

	CheckIntervalSec       int `yaml:"check_interval" validate:"gte=10"`
	AggregationIntervalSec int `yaml:"aggregation_interval" validate:"gte=10"`
	CooldownSec            int `yaml:"cooldown_seconds" validate:"gte=0"`
	FetchTimeoutSec        int `yaml:"fetch_timeout" validate:"gt=0"`
	DetectorTimeoutSec     int `yaml:"detector_timeout" validate:"gt=0"`
	DeliveryTimeoutSec     int `yaml:"delivery_timeout" validate:"gt=0"`
	RetryDelaySec          int `yaml:"retry_delay" validate:"gt=0"`
	MaxRetries             int `yaml:"max_retries" validate:"gte=0,lte=10"`
	BlockedBackoffSec      int `yaml:"blocked_backoff" validate:"gte=0"`
	ErrorThreshold         int `yaml:"error_threshold" validate:"gt=0"`

	MaxWorkers          int     `yaml:"max_workers" validate:"gt=0,lte=128"`
	TickIntervalSec     int     `yaml:"tick_interval" validate:"gt=0"`
	PerHostMinDelaySec  int     `yaml:"per_host_min_delay" validate:"gte=0"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gt=0,lt=1"`

	DetectorWeights DetectorWeights `yaml:"detector_weights"`

	EnableRender bool `yaml:"enable_render"`
	MaxBrowsers  int  `yaml:"max_browsers" validate:"gt=0,lte=16"`

	DailyAddLimit    int `yaml:"daily_add_limit" validate:"gt=0"`
	DailyNotifyLimit int `yaml:"daily_notify_limit" validate:"gt=0"`
	UserCooldownSec  int `yaml:"user_cooldown" validate:"gte=0"`
	QuietHoursStart  int `yaml:"quiet_hours_start" validate:"gte=0,lte=23"`
	QuietHoursEnd    int `yaml:"quiet_hours_end" validate:"gte=0,lte=23"`

	HistoryRetentionDays int `yaml:"history_retention_days" validate:"gt=0"`
	HistoryKeepPerItem   int `yaml:"history_keep_per_item" validate:"gt=0"`

	MetricsListen string `yaml:"metrics_listen"`
}

// Default returns the configuration defaults before any file is applied.
func Default() Config {
	return Config{
		DatabasePath:           "vps_monitor.db",
		CheckIntervalSec:       180,
		AggregationIntervalSec: 180,
		CooldownSec:            600,
		FetchTimeoutSec:        30,
		DetectorTimeoutSec:     10,
		DeliveryTimeoutSec:     15,
		RetryDelaySec:          60,
		MaxRetries:             3,
		BlockedBackoffSec:      1800,
		ErrorThreshold:         10,
		MaxWorkers:             8,
		TickIntervalSec:        1,
		PerHostMinDelaySec:     2,
		ConfidenceThreshold:    0.6,
		DetectorWeights:        DefaultWeights(),
		EnableRender:           false,
		MaxBrowsers:            2,
		DailyAddLimit:          50,
		DailyNotifyLimit:       10,
		UserCooldownSec:        3600,
		QuietHoursStart:        23,
		QuietHoursEnd:          7,
		HistoryRetentionDays:   90,
		HistoryKeepPerItem:     100,
		MetricsListen:          "",
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides for secrets, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if tok := os.Getenv("VPSMON_BOT_TOKEN"); tok != "" {
		cfg.BotToken = tok
	}
	if chat := os.Getenv("VPSMON_CHAT_ID"); chat != "" {
		cfg.ChatID = chat
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field invariants.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	w := c.DetectorWeights
	if w.Keyword+w.DOM+w.API+w.Fingerprint <= 0 {
		return fmt.Errorf("invalid config: detector weights sum to zero")
	}
	return nil
}

// Duration accessors keep call sites free of second/duration conversions.

func (c Config) CheckInterval() time.Duration       { return time.Duration(c.CheckIntervalSec) * time.Second }
func (c Config) AggregationInterval() time.Duration { return time.Duration(c.AggregationIntervalSec) * time.Second }
func (c Config) Cooldown() time.Duration            { return time.Duration(c.CooldownSec) * time.Second }
func (c Config) FetchTimeout() time.Duration        { return time.Duration(c.FetchTimeoutSec) * time.Second }
func (c Config) DetectorTimeout() time.Duration     { return time.Duration(c.DetectorTimeoutSec) * time.Second }
func (c Config) DeliveryTimeout() time.Duration     { return time.Duration(c.DeliveryTimeoutSec) * time.Second }
func (c Config) RetryDelay() time.Duration          { return time.Duration(c.RetryDelaySec) * time.Second }
func (c Config) BlockedBackoff() time.Duration      { return time.Duration(c.BlockedBackoffSec) * time.Second }
func (c Config) TickInterval() time.Duration        { return time.Duration(c.TickIntervalSec) * time.Second }
func (c Config) PerHostMinDelay() time.Duration     { return time.Duration(c.PerHostMinDelaySec) * time.Second }
func (c Config) UserCooldown() time.Duration        { return time.Duration(c.UserCooldownSec) * time.Second }
func (c Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// IsAdmin reports whether id is in the configured admin set.
func (c Config) IsAdmin(id string) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}
