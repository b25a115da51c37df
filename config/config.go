package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mintgate/mintgate"
)

// Config represents the gateway configuration file.
type Config struct {
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`

	Upstream struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Timeout string `yaml:"timeout"`
	} `yaml:"upstream"`

	Mint struct {
		Trusted     []string `yaml:"trusted"`
		Unit        string   `yaml:"unit"`
		SwapTimeout string   `yaml:"swap_timeout"`
		CacheTTL    string   `yaml:"cache_ttl"`
	} `yaml:"mint"`

	Pricing []mintgate.PricingRule `yaml:"pricing"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

// ParsedConfig contains parsed time.Duration values for easier use.
type ParsedConfig struct {
	Config
	UpstreamTimeout time.Duration
	SwapTimeout     time.Duration
	CacheTTL        time.Duration
}

// Load reads and validates a YAML configuration file, filling in defaults
// for anything left unset.
func Load(filepath string) (*ParsedConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return Parse(&cfg)
}

// Parse validates an in-memory config and resolves its duration fields.
func Parse(cfg *Config) (*ParsedConfig, error) {
	applyDefaults(cfg)

	upstreamTimeout, err := parseDuration(cfg.Upstream.Timeout, "upstream timeout")
	if err != nil {
		return nil, err
	}
	swapTimeout, err := parseDuration(cfg.Mint.SwapTimeout, "swap_timeout")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseDuration(cfg.Mint.CacheTTL, "cache_ttl")
	if err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &ParsedConfig{
		Config:          *cfg,
		UpstreamTimeout: upstreamTimeout,
		SwapTimeout:     swapTimeout,
		CacheTTL:        cacheTTL,
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8402"
	}
	if cfg.Upstream.Timeout == "" {
		cfg.Upstream.Timeout = "120s"
	}
	if cfg.Mint.Unit == "" {
		cfg.Mint.Unit = "sat"
	}
	if cfg.Mint.SwapTimeout == "" {
		cfg.Mint.SwapTimeout = "10s"
	}
	if cfg.Mint.CacheTTL == "" {
		cfg.Mint.CacheTTL = "5m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDuration(s, name string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func validate(cfg *Config) error {
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	if len(cfg.Mint.Trusted) == 0 {
		return fmt.Errorf("at least one trusted mint is required")
	}
	if len(cfg.Pricing) == 0 {
		return fmt.Errorf("at least one pricing rule is required")
	}
	for i, rule := range cfg.Pricing {
		if rule.Model == "" {
			return fmt.Errorf("pricing rule %d has no model", i)
		}
		switch rule.Kind {
		case mintgate.RulePerRequest:
			if rule.PricePerRequest == nil {
				return fmt.Errorf("pricing rule for %s has no price_per_request", rule.Model)
			}
		case mintgate.RulePerToken:
			if rule.InputPerMillion < 0 || rule.OutputPerMillion < 0 {
				return fmt.Errorf("pricing rule for %s has a negative rate", rule.Model)
			}
		default:
			return fmt.Errorf("pricing rule for %s has unknown kind %q", rule.Model, rule.Kind)
		}
	}
	return nil
}
