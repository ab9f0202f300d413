package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all syncd configuration.
type Config struct {
	Port      string         `yaml:"port"`
	DBPath    string         `yaml:"db_path"`
	LogLevel  string         `yaml:"log_level"`
	TokenHash string         `yaml:"token_hash"`
	Upstream  UpstreamConfig `yaml:"upstream"`
	Probe     ProbeConfig    `yaml:"probe"`
	History   HistoryConfig  `yaml:"history"`
}

// UpstreamConfig points at the API that queued mutations are replayed
// against.
type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// ProbeConfig controls the connectivity probe.
type ProbeConfig struct {
	URL             string        `yaml:"url"`
	Interval        time.Duration `yaml:"interval"`
	Timeout         time.Duration `yaml:"timeout"`
	InitiallyOnline bool          `yaml:"initially_online"`
}

// HistoryConfig controls sync pass history retention.
type HistoryConfig struct {
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func (c *Config) defaults() {
	if c.Port == "" {
		c.Port = "8094"
	}
	if c.DBPath == "" {
		c.DBPath = "db/outbox.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 15 * time.Second
	}
	if c.Upstream.SyncInterval <= 0 {
		c.Upstream.SyncInterval = 30 * time.Second
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = 10 * time.Second
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = 5 * time.Second
	}
	if c.History.RetentionDays <= 0 {
		c.History.RetentionDays = 30
	}
	if c.History.CleanupInterval <= 0 {
		c.History.CleanupInterval = 24 * time.Hour
	}
}

// LoadConfigFile reads a YAML config file. Environment variables override
// individual fields afterwards (see applyEnv).
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("API_TOKEN_HASH"); v != "" {
		c.TokenHash = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("PROBE_URL"); v != "" {
		c.Probe.URL = v
	}
}
