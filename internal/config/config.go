// Package config loads server settings from an optional YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`

	GracePeriod     time.Duration `yaml:"grace_period"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	StarterCode     string        `yaml:"starter_code"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	History   HistoryConfig   `yaml:"history"`
	AI        AIConfig        `yaml:"ai"`
	Log       LogConfig       `yaml:"log"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type HistoryConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Threshold  int           `yaml:"threshold"`
	KeepRecent int           `yaml:"keep_recent"`
}

type AIConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		DBPath:          "./data/coderoom.db",
		GracePeriod:     10 * time.Second,
		DecisionTimeout: 2 * time.Minute,
		RateLimit: RateLimitConfig{
			PerSecond: 100,
			Burst:     200,
		},
		History: HistoryConfig{
			Interval:   5 * time.Minute,
			Threshold:  200,
			KeepRecent: 50,
		},
		AI: AIConfig{
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Addr, "CODEROOM_ADDR")
	set(&c.DBPath, "CODEROOM_DB_PATH")
	set(&c.Log.Level, "CODEROOM_LOG_LEVEL")
	set(&c.Log.Format, "CODEROOM_LOG_FORMAT")
	set(&c.AI.APIKey, "OPENAI_API_KEY")
	set(&c.AI.Model, "OPENAI_MODEL")
	set(&c.AI.BaseURL, "OPENAI_BASE_URL")

	// PORT is what most hosting platforms hand us
	if port := getenv("PORT"); port != "" && getenv("CODEROOM_ADDR") == "" {
		c.Addr = ":" + port
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, errors.New("grace_period must not be negative"))
	}
	if c.DecisionTimeout <= 0 {
		errs = append(errs, errors.New("decision_timeout must be positive"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit values must be positive"))
	}
	if c.History.Interval <= 0 || c.History.Threshold <= 0 || c.History.KeepRecent <= 0 {
		errs = append(errs, errors.New("history values must be positive"))
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, errors.New("ai.timeout must be positive"))
	}
	return errors.Join(errs...)
}
