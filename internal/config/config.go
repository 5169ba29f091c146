package config

import (
	"errors"
	"fmt"
	"regexp"

	"go-batch-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Default provider grammar. Share links look like https://terabox.com/s/1abc2def3ghi.
var (
	DefaultSchemes     = []string{"https"}
	DefaultHosts       = []string{"terabox.com", "1024terabox.com", "teraboxapp.com"}
	DefaultPathPattern = `^/s/[A-Za-z0-9_-]+$`
)

// DefaultTiers mirror the published plans. Zero means unlimited.
func DefaultTiers() map[string]models.PlanLimits {
	return map[string]models.PlanLimits{
		"free":       {MaxConcurrent: 1, MaxJobsPerBatch: 5, DailyJobs: 10},
		"pro":        {MaxConcurrent: 10, MaxJobsPerBatch: 50, DailyJobs: 1000},
		"enterprise": {MaxConcurrent: 100, MaxJobsPerBatch: 500, DailyJobs: 0},
	}
}

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml"),
// fills unset fields with defaults and validates the result.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return models.Config{}, fmt.Errorf("invalid config %s: %w", configFilePath, err)
	}

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting.
func ApplyDefaults(cfg *models.Config) {
	if cfg.SavePath == "" {
		log.Warn("SavePath is not set, using ./downloads")
		cfg.SavePath = "downloads"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 1000
	}
	if cfg.RetryBaseMs <= 0 {
		cfg.RetryBaseMs = 1000
	}
	if cfg.RetryMaxMs <= 0 {
		cfg.RetryMaxMs = 30000
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 5
	}
	if cfg.ResolveTimeoutSec <= 0 {
		cfg.ResolveTimeoutSec = 30
	}
	if cfg.TransferTimeoutSec <= 0 {
		cfg.TransferTimeoutSec = 3600
	}
	if cfg.ProgressFlushMs <= 0 {
		cfg.ProgressFlushMs = 2000
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}
	if cfg.SweepIntervalSec <= 0 {
		cfg.SweepIntervalSec = 300
	}
	if cfg.UpstreamTimeoutSec <= 0 {
		cfg.UpstreamTimeoutSec = 60
	}
	if cfg.WebhookTimeoutSec <= 0 {
		cfg.WebhookTimeoutSec = 30
	}
	if cfg.WebhookDrainSec <= 0 {
		cfg.WebhookDrainSec = 30
	}
	if len(cfg.Provider.Schemes) == 0 {
		cfg.Provider.Schemes = DefaultSchemes
	}
	if len(cfg.Provider.Hosts) == 0 {
		cfg.Provider.Hosts = DefaultHosts
	}
	if cfg.Provider.PathPattern == "" {
		cfg.Provider.PathPattern = DefaultPathPattern
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = "free"
	}
}

// Validate checks cross-field consistency after defaults were applied.
func Validate(cfg models.Config) error {
	if _, err := regexp.Compile(cfg.Provider.PathPattern); err != nil {
		return fmt.Errorf("provider path pattern: %w", err)
	}
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		return fmt.Errorf("default tier %q is not defined", cfg.DefaultTier)
	}
	for key, c := range cfg.Callers {
		if c.ID == "" {
			return errors.New("caller entry without ID")
		}
		if _, ok := cfg.Tiers[c.Tier]; c.Tier != "" && !ok {
			return fmt.Errorf("caller %s (key %.4s...) references unknown tier %q", c.ID, key, c.Tier)
		}
	}
	return nil
}
