// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix scopes environment overrides, e.g. SIGNALBOARD_FEED_URL.
const EnvPrefix = "SIGNALBOARD"

// App captures process-wide runtime settings such as name, environment, listeners, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level" split_words:"true"`
	MetricsAddr string `yaml:"metrics_addr" split_words:"true"`
	APIAddr     string `yaml:"api_addr" envconfig:"API_ADDR"`
}

// Feed configures the live websocket connection and its reconnect policy.
type Feed struct {
	URL            string `yaml:"url" envconfig:"URL"`
	BaseDelayMs    int    `yaml:"base_delay_ms" split_words:"true"`
	MaxDelayMs     int    `yaml:"max_delay_ms" split_words:"true"`
	MaxAttempts    int    `yaml:"max_attempts" split_words:"true"`
	PingIntervalMs int    `yaml:"ping_interval_ms" split_words:"true"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms" split_words:"true"`
	// Headers are sent with every handshake, e.g. an Origin or auth token.
	Headers map[string]string `yaml:"headers,omitempty"`
}

func (f Feed) BaseDelay() time.Duration    { return ms(f.BaseDelayMs) }
func (f Feed) MaxDelay() time.Duration     { return ms(f.MaxDelayMs) }
func (f Feed) PingInterval() time.Duration { return ms(f.PingIntervalMs) }
func (f Feed) ReadTimeout() time.Duration  { return ms(f.ReadTimeoutMs) }

// Header returns the handshake headers, or nil when none are configured.
func (f Feed) Header() http.Header {
	if len(f.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(f.Headers))
	for k, v := range f.Headers {
		h.Set(k, v)
	}
	return h
}

// Market describes where candles and ticker snapshots come from and which instrument is shown first.
type Market struct {
	KlinesBaseURL string   `yaml:"klines_base_url" envconfig:"KLINES_BASE_URL"`
	APIBaseURL    string   `yaml:"api_base_url" envconfig:"API_BASE_URL"`
	Symbols       []string `yaml:"symbols"`
	ActiveSymbol  string   `yaml:"active_symbol" split_words:"true"`
	Interval      string   `yaml:"interval"`
	KlineLimit    int      `yaml:"kline_limit" split_words:"true"`
}

// Alerts bounds the in-memory alert list.
type Alerts struct {
	Capacity int `yaml:"capacity"`
}

// Analysis configures the streaming inference backend and request defaults.
type Analysis struct {
	BaseURL        string  `yaml:"base_url" envconfig:"BASE_URL"`
	Timeframe      string  `yaml:"timeframe"`
	Depth          int     `yaml:"depth"`
	RiskPreference string  `yaml:"risk_preference" split_words:"true"`
	Model          string  `yaml:"model"`
	PromptTemplate string  `yaml:"prompt_template" split_words:"true"`
	TimeoutSecs    int     `yaml:"timeout_secs" split_words:"true"`
	RatePerSec     float64 `yaml:"rate_per_sec" split_words:"true"`
	Burst          int     `yaml:"burst"`
}

func (a Analysis) Timeout() time.Duration { return time.Duration(a.TimeoutSecs) * time.Second }

// Journal points at the optional JSONL journal; empty disables it.
type Journal struct {
	Path string `yaml:"path"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Feed     Feed     `yaml:"feed"`
	Market   Market   `yaml:"market"`
	Alerts   Alerts   `yaml:"alerts"`
	Analysis Analysis `yaml:"analysis"`
	Journal  Journal  `yaml:"journal"`
}

// Load reads a YAML file from disk, applies .env and environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	config.Normalize()
	return &config, nil
}

// Normalize fills zero values with defaults and canonicalizes symbols.
func (c *Config) Normalize() {
	if c.App.Name == "" {
		c.App.Name = "signalboard"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	setInt(&c.Feed.BaseDelayMs, 1000)
	setInt(&c.Feed.MaxDelayMs, 30000)
	setInt(&c.Feed.MaxAttempts, 10)
	setInt(&c.Feed.PingIntervalMs, 15000)
	setInt(&c.Feed.ReadTimeoutMs, 60000)
	if c.Feed.MaxDelayMs < c.Feed.BaseDelayMs {
		c.Feed.MaxDelayMs = c.Feed.BaseDelayMs
	}

	for i, s := range c.Market.Symbols {
		c.Market.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	c.Market.ActiveSymbol = strings.ToUpper(strings.TrimSpace(c.Market.ActiveSymbol))
	if c.Market.ActiveSymbol == "" && len(c.Market.Symbols) > 0 {
		c.Market.ActiveSymbol = c.Market.Symbols[0]
	}
	if c.Market.Interval == "" {
		c.Market.Interval = "1h"
	}
	setInt(&c.Market.KlineLimit, 500)

	setInt(&c.Alerts.Capacity, 20)

	if c.Analysis.BaseURL == "" {
		c.Analysis.BaseURL = c.Market.APIBaseURL
	}
	if c.Analysis.Timeframe == "" {
		c.Analysis.Timeframe = "4h"
	}
	setInt(&c.Analysis.Depth, 2)
	if c.Analysis.RiskPreference == "" {
		c.Analysis.RiskPreference = "moderate"
	}
	setInt(&c.Analysis.TimeoutSecs, 180)
	if c.Analysis.RatePerSec == 0 {
		c.Analysis.RatePerSec = 1
	}
	setInt(&c.Analysis.Burst, 2)
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
