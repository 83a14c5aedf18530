// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the orchestrator configuration, loaded from environment
// variables (HARBOR_*) with an optional ~/.harbor/config.yaml underneath.
type Config struct {
	// Port the control-plane HTTP server listens on
	Port string `mapstructure:"port"`

	// APIToken protects the control-plane API; empty means all requests
	// are rejected (fail secure)
	APIToken string `mapstructure:"api_token"`

	// DatabasePath is the SQLite file holding session rows
	DatabasePath string `mapstructure:"database_path"`

	// MasterSecret derives the vault encryption key
	MasterSecret string `mapstructure:"master_secret"`

	Platform Platform `mapstructure:"platform"`
	Health   Health   `mapstructure:"health"`
}

// Platform configures the sandbox platform client
type Platform struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	Image string `mapstructure:"image"`

	// PollAttempts bounds the agent-server readiness polling loop
	PollAttempts int `mapstructure:"poll_attempts"`
}

// Health configures the health monitor
type Health struct {
	TTLSeconds       int `mapstructure:"ttl_seconds"`
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// Load reads configuration from ~/.harbor/config.yaml (if present) and the
// environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := homedir.Dir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".harbor"))
	}
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("HARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file: environment and defaults only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.MasterSecret == "" {
		return nil, fmt.Errorf("master_secret is required (HARBOR_MASTER_SECRET)")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	// Env-only keys still need registering or Unmarshal never sees them.
	v.SetDefault("api_token", "")
	v.SetDefault("master_secret", "")
	v.SetDefault("database_path", "harbor.db")
	v.SetDefault("platform.url", "")
	v.SetDefault("platform.token", "")
	v.SetDefault("platform.image", "harbor-sandbox:latest")
	v.SetDefault("platform.poll_attempts", 90)
	v.SetDefault("health.ttl_seconds", 15)
	v.SetDefault("health.failure_threshold", 3)
}
