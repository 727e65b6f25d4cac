package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Widget  WidgetConfig  `json:"widget" yaml:"widget"`
	Backend BackendConfig `json:"backend" yaml:"backend"`
	History HistoryConfig `json:"history" yaml:"history"`
	Gateway GatewayConfig `json:"gateway" yaml:"gateway"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// WidgetConfig mirrors the script-tag embed attributes: data-plan,
// data-token, data-site, data-auto-open.
type WidgetConfig struct {
	Plan     string `json:"plan" yaml:"plan" env:"EMBEDKIT_WIDGET_PLAN"`
	Token    string `json:"token" yaml:"token" env:"EMBEDKIT_WIDGET_TOKEN"`
	Site     string `json:"site" yaml:"site" env:"EMBEDKIT_WIDGET_SITE"`
	AutoOpen bool   `json:"auto_open" yaml:"auto_open" env:"EMBEDKIT_WIDGET_AUTO_OPEN"`
	PageURL  string `json:"page_url" yaml:"page_url" env:"EMBEDKIT_WIDGET_PAGE_URL"`

	// ContextLimit caps the page-context snippet sent with each chat
	// request, in characters.
	ContextLimit int `json:"context_limit" yaml:"context_limit" env:"EMBEDKIT_WIDGET_CONTEXT_LIMIT"`
}

type BackendConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url" env:"EMBEDKIT_BACKEND_BASE_URL"`
	TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms" env:"EMBEDKIT_BACKEND_TIMEOUT_MS"`
	Retries   int    `json:"retries" yaml:"retries" env:"EMBEDKIT_BACKEND_RETRIES"`
	BackoffMS int    `json:"backoff_ms" yaml:"backoff_ms" env:"EMBEDKIT_BACKEND_BACKOFF_MS"`
}

func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

func (b BackendConfig) Backoff() time.Duration {
	return time.Duration(b.BackoffMS) * time.Millisecond
}

type HistoryConfig struct {
	// Store selects the persistence backend: "file", "sqlite" or "memory".
	Store string `json:"store" yaml:"store" env:"EMBEDKIT_HISTORY_STORE"`
	Path  string `json:"path" yaml:"path" env:"EMBEDKIT_HISTORY_PATH"`
	Limit int    `json:"limit" yaml:"limit" env:"EMBEDKIT_HISTORY_LIMIT"`
}

type GatewayConfig struct {
	Host       string `json:"host" yaml:"host" env:"EMBEDKIT_GATEWAY_HOST"`
	Port       int    `json:"port" yaml:"port" env:"EMBEDKIT_GATEWAY_PORT"`
	PathPrefix string `json:"path_prefix" yaml:"path_prefix" env:"EMBEDKIT_GATEWAY_PATH_PREFIX"`

	// RatePerMinute limits chat sends per session; 0 disables limiting.
	RatePerMinute int `json:"rate_per_minute" yaml:"rate_per_minute" env:"EMBEDKIT_GATEWAY_RATE_PER_MINUTE"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"EMBEDKIT_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"EMBEDKIT_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Widget: WidgetConfig{
			Plan:         "basic",
			Token:        "",
			Site:         "",
			AutoOpen:     false,
			ContextLimit: 1200,
		},
		Backend: BackendConfig{
			BaseURL:   "https://api.embedkit.dev",
			TimeoutMS: 20000,
			Retries:   2,
			BackoffMS: 500,
		},
		History: HistoryConfig{
			Store: "file",
			Path:  "~/.embedkit",
			Limit: 200,
		},
		Gateway: GatewayConfig{
			Host:          "0.0.0.0",
			Port:          18820,
			PathPrefix:    "/api/widget",
			RatePerMinute: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads the config file at path (JSON or YAML by extension),
// overlays EMBEDKIT_* environment variables, and normalizes values. A
// missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Support full config from env var (for containers / serverless)
	if cfgJSON := os.Getenv("EMBEDKIT_CONFIG_JSON"); cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), cfg); err != nil {
			return nil, fmt.Errorf("parsing EMBEDKIT_CONFIG_JSON: %w", err)
		}
		if err := env.Parse(cfg); err != nil {
			return nil, err
		}
		cfg.normalize()
		return cfg, nil
	}

	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			cfg.normalize()
			return cfg, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) normalize() {
	switch c.Widget.Plan {
	case "basic", "pro", "advanced":
	default:
		c.Widget.Plan = "basic"
	}
	if c.Widget.ContextLimit <= 0 {
		c.Widget.ContextLimit = 1200
	}
	if c.Backend.TimeoutMS <= 0 {
		c.Backend.TimeoutMS = 20000
	}
	if c.Backend.Retries < 0 {
		c.Backend.Retries = 0
	}
	if c.Backend.BackoffMS <= 0 {
		c.Backend.BackoffMS = 500
	}
	if c.History.Limit <= 0 {
		c.History.Limit = 200
	}
	if c.Gateway.PathPrefix == "" {
		c.Gateway.PathPrefix = "/api/widget"
	}
	if !strings.HasPrefix(c.Gateway.PathPrefix, "/") {
		c.Gateway.PathPrefix = "/" + c.Gateway.PathPrefix
	}
	c.Gateway.PathPrefix = strings.TrimRight(c.Gateway.PathPrefix, "/")
}

// Site returns the configured site, falling back to the backend host the
// way the embed script falls back to the page hostname.
func (c *Config) Site() string {
	if c.Widget.Site != "" {
		return c.Widget.Site
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(c.Backend.BaseURL, "https://"), "http://")
	if i := strings.IndexByte(trimmed, '/'); i != -1 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

// HistoryPath returns the history directory with ~ expanded.
func (c *Config) HistoryPath() string {
	return expandHome(c.History.Path)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
