package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	defaultListen        = "127.0.0.1:8787"
	defaultKeepaliveSecs = 15
	defaultRetentionSecs = 300
	defaultSweepSecs     = 30
	defaultMaxAttempts   = 5
	defaultStatePath     = "restream.db"
)

func must(ok bool, msg string) {
	if msg == "" {
		panic("assertion message must not be empty")
	}
	if !ok {
		panic(msg)
	}
}

func Load(path string) (*Config, error) {
	must(path != "", "config path must not be empty")
	must(strings.TrimSpace(path) != "", "config path must not be blank")

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %v", path, err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %q: %v", path, err)
	}
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env overrides: %v", err)
	}

	applyDefaults(&c)
	if err := validate(c); err != nil {
		return nil, err
	}

	must(c.Server.Listen != "", "listen address must not be empty after load")
	must(c.StatePath != "", "state path must not be empty after load")
	return &c, nil
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

func applyDefaults(c *Config) {
	must(c != nil, "config pointer must not be nil")
	must(defaultRetentionSecs > 0, "default retention must be positive")

	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.Server.KeepaliveSeconds == 0 {
		c.Server.KeepaliveSeconds = defaultKeepaliveSecs
	}
	if c.Buffer.RetentionSeconds == 0 {
		c.Buffer.RetentionSeconds = defaultRetentionSecs
	}
	if c.Buffer.SweepIntervalSeconds == 0 {
		c.Buffer.SweepIntervalSeconds = defaultSweepSecs
	}
	if c.Reconnect.BaseURL == "" {
		c.Reconnect.BaseURL = "http://" + c.Server.Listen
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = defaultMaxAttempts
	}
	if c.StatePath == "" {
		c.StatePath = defaultStatePath
	}

	must(c.Buffer.RetentionSeconds > 0, "retention defaulting failed")
	must(c.Reconnect.MaxAttempts > 0, "max attempts defaulting failed")
}

func validate(c Config) error {
	if c.Buffer.RetentionSeconds < 0 {
		return fmt.Errorf("retention_seconds must not be negative: %d", c.Buffer.RetentionSeconds)
	}
	if c.Buffer.SweepIntervalSeconds < 0 {
		return fmt.Errorf("sweep_interval_seconds must not be negative: %d", c.Buffer.SweepIntervalSeconds)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative: %d", c.Reconnect.MaxAttempts)
	}
	if c.Server.KeepaliveSeconds < 0 {
		return fmt.Errorf("keepalive_seconds must not be negative: %d", c.Server.KeepaliveSeconds)
	}
	return nil
}
