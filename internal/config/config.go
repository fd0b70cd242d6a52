// Package config loads brokerdesk settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/jmcleod/brokerdesk/internal/util"
)

const defaultEnvFile = ".env"

// Config holds all client and sandbox settings.
type Config struct {
	APIURL   string `env:"BROKERDESK_API_URL" envDefault:"http://localhost:8443"`
	DataDir  string `env:"BROKERDESK_DATA_DIR,expand" envDefault:"${HOME}/.brokerdesk"`
	StoreKey string `env:"BROKERDESK_STORE_KEY"`

	IdleTimeout   time.Duration `env:"BROKERDESK_IDLE_TIMEOUT" envDefault:"5m"`
	GuardInterval time.Duration `env:"BROKERDESK_GUARD_INTERVAL" envDefault:"60s"`
	HTTPTimeout   time.Duration `env:"BROKERDESK_HTTP_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Sandbox server
	SandboxAddr    string        `env:"BROKERDESK_SANDBOX_ADDR" envDefault:"127.0.0.1:8443"`
	SandboxSecret  string        `env:"BROKERDESK_SANDBOX_SECRET"`
	SandboxCaptcha string        `env:"BROKERDESK_SANDBOX_CAPTCHA" envDefault:"sandbox-captcha"`
	SandboxTTL     time.Duration `env:"BROKERDESK_SANDBOX_ACCESS_TTL" envDefault:"15m"`
}

// Load reads .env files (the local .env when none are named) into the
// process environment without overriding variables already set, then parses
// the environment. A missing default .env is not an error.
func Load(envFiles ...string) (*Config, error) {
	explicit := len(envFiles) > 0
	if !explicit {
		envFiles = []string{defaultEnvFile}
	}
	if err := godotenv.Load(envFiles...); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StoreKeyBytes decodes StoreKey. It returns nil when no key is configured.
func (c *Config) StoreKeyBytes() ([]byte, error) {
	if c.StoreKey == "" {
		return nil, nil
	}
	key, err := util.DecodeKeyHex(c.StoreKey)
	if err != nil {
		return nil, fmt.Errorf("BROKERDESK_STORE_KEY: %w", err)
	}
	return key, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid API URL: %q", c.APIURL)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	for name, d := range map[string]time.Duration{
		"BROKERDESK_IDLE_TIMEOUT":       c.IdleTimeout,
		"BROKERDESK_GUARD_INTERVAL":     c.GuardInterval,
		"BROKERDESK_HTTP_TIMEOUT":       c.HTTPTimeout,
		"BROKERDESK_SANDBOX_ACCESS_TTL": c.SandboxTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if _, err := c.StoreKeyBytes(); err != nil {
		return err
	}
	return nil
}
