// Copyright (c) 2026 The listbridge authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ListservConfig holds credentials and addressing for the listserv provider.
type ListservConfig struct {
	Domain    string `yaml:"domain"`     // list address domain, e.g. "mg.example.edu"
	APIURL    string `yaml:"api_url"`    // provider API base, e.g. "https://api.mailgun.net/v3"
	APIUser   string `yaml:"api_user"`   // basic auth user, usually "api"
	APIKey    string `yaml:"api_key"`    // basic auth key; also signs webhooks
	NoReply   string `yaml:"no_reply"`   // address bounces are sent from
	PageSize  int    `yaml:"page_size"`  // member listing page size
	BatchSize int    `yaml:"batch_size"` // max addresses per add-members call
}

// RosterConfig holds connection details for the enrollment roster API.
type RosterConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// IdentityConfig holds connection details for the identity provider that
// resolves alternate communication channels.
type IdentityConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Config holds all configuration for the bridge service.
type Config struct {
	Listserv ListservConfig
	Roster   RosterConfig
	Identity IdentityConfig

	// Webhook authentication
	SignatureTimeout time.Duration

	// Inbound processing
	MessageSizeCap int64
	DedupTTL       time.Duration

	// Membership sync
	SyncInterval     time.Duration
	MaxMemberPages   int
	EnforceWhitelist bool

	// Storage
	DatabaseURL string
	RedisURL    string

	// Servers
	WebhookPort int
	Port        int

	Environment string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Listserv ListservConfig `yaml:"listserv"`
	Roster   RosterConfig   `yaml:"roster"`
	Identity IdentityConfig `yaml:"identity"`
	Sync     struct {
		EnforceWhitelist *bool `yaml:"enforce_whitelist"`
	} `yaml:"sync"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Listserv:         raw.Listserv,
		Roster:           raw.Roster,
		Identity:         raw.Identity,
		SignatureTimeout: envOrDefaultDuration("SIGNATURE_TIMEOUT", 30*time.Minute),
		MessageSizeCap:   envOrDefaultInt64("MESSAGE_SIZE_CAP", 25*1024*1024),
		DedupTTL:         envOrDefaultDuration("DEDUP_TTL", 24*time.Hour),
		SyncInterval:     envOrDefaultDuration("SYNC_INTERVAL", time.Hour),
		MaxMemberPages:   envOrDefaultInt("MAX_MEMBER_PAGES", 1000),
		DatabaseURL:      firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/listbridge")),
		RedisURL:         firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		WebhookPort:      envOrDefaultInt("WEBHOOK_PORT", 8081),
		Port:             envOrDefaultInt("PORT", 8080),
		Environment:      envOrDefault("ENVIRONMENT", "dev"),
	}

	// Whitelist enforcement keeps non-production listservs from mailing
	// real people. An explicit YAML setting wins; otherwise enforce
	// everywhere except production.
	if raw.Sync.EnforceWhitelist != nil {
		cfg.EnforceWhitelist = *raw.Sync.EnforceWhitelist
	} else {
		cfg.EnforceWhitelist = cfg.Environment != "production"
	}

	if cfg.Listserv.Domain == "" {
		return nil, fmt.Errorf("listserv.domain is required")
	}
	if cfg.Listserv.APIURL == "" || cfg.Listserv.APIKey == "" {
		return nil, fmt.Errorf("listserv.api_url and listserv.api_key are required")
	}
	if cfg.Listserv.NoReply == "" {
		cfg.Listserv.NoReply = "no-reply@" + cfg.Listserv.Domain
	}
	if cfg.Listserv.PageSize <= 0 {
		cfg.Listserv.PageSize = 100
	}
	if cfg.Listserv.BatchSize <= 0 {
		cfg.Listserv.BatchSize = 1000
	}
	if cfg.Roster.BaseURL == "" {
		return nil, fmt.Errorf("roster.base_url is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
