// Package config loads the marketplace configuration from a YAML file with
// environment variable overrides for deployment-specific secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the marketplace server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Carrier   CarrierConfig   `yaml:"carrier"`
	Fees      FeesConfig      `yaml:"fees"`
	Schedules SchedulesConfig `yaml:"schedules"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// DatabaseConfig holds the Postgres connection settings. An empty DSN means
// the server runs on the in-memory store.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// CarrierConfig points at the shipping rate aggregator. An empty BaseURL
// disables the shipping endpoints.
type CarrierConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Provider string `yaml:"provider"`
}

// FeesConfig holds marketplace fee rates in percent. Zero values fall back
// to the built-in defaults.
type FeesConfig struct {
	PlatformPct float64 `yaml:"platform_pct"`
	SellerPct   float64 `yaml:"seller_pct"`
}

// SchedulesConfig holds cron specs for the background jobs.
type SchedulesConfig struct {
	Settlement   string `yaml:"settlement"`
	LabelRefresh string `yaml:"label_refresh"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8080"},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads config/marketplace.yaml relative to the working directory.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "marketplace.yaml"))
}

// LoadFromPath reads the configuration from a specific file, then applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration or returns defaults (with env
// overrides applied) when the file is missing.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

func (c *Config) applyEnv() {
	setString(&c.Server.Address, "SERVER_ADDRESS")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.Carrier.BaseURL, "CARRIER_BASE_URL")
	setString(&c.Carrier.APIKey, "CARRIER_API_KEY")
	setString(&c.Carrier.Provider, "CARRIER_PROVIDER")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setFloat(&c.Fees.PlatformPct, "PLATFORM_FEE_PCT")
	setFloat(&c.Fees.SellerPct, "SELLER_FEE_PCT")
}

func (c *Config) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Fees.PlatformPct < 0 || c.Fees.PlatformPct > 100 {
		return fmt.Errorf("fees.platform_pct out of range: %v", c.Fees.PlatformPct)
	}
	if c.Fees.SellerPct < 0 || c.Fees.SellerPct > 100 {
		return fmt.Errorf("fees.seller_pct out of range: %v", c.Fees.SellerPct)
	}
	if c.Carrier.BaseURL != "" && c.Carrier.APIKey == "" {
		return fmt.Errorf("carrier.api_key is required when carrier.base_url is set")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}
