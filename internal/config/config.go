package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML settings file and applies BNFK_* environment overrides
// (e.g. BNFK_KIS_APP_KEY overrides kis.app_key).
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BNFK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
		// A missing file still yields a usable default config.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.KIS.Env {
	case "paper", "prod":
	default:
		return fmt.Errorf("kis.env must be paper or prod, got %q", cfg.KIS.Env)
	}
	if cfg.KIS.MaxRetries < 1 {
		return fmt.Errorf("kis.max_retries must be >= 1")
	}
	if cfg.RateLimit.Reserve < 0 {
		return fmt.Errorf("rate_limit.reserve cannot be negative")
	}
	if cfg.KIS.BackoffCapSec < cfg.KIS.BackoffBaseSec {
		return fmt.Errorf("kis.backoff_cap_sec below backoff_base_sec")
	}
	return nil
}
