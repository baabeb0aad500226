// Copyright (c) 2026 John Earle
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
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MailboxConfig declares a mailbox registered at startup.
type MailboxConfig struct {
	ID             string `yaml:"id"`
	UserID         string `yaml:"user_id"`
	Address        string `yaml:"address"`
	CredentialsRef string `yaml:"credentials_ref"`
}

// GoogleConfig holds the OAuth client used for every Gmail mailbox.
type GoogleConfig struct {
	CredentialsFile string
	ClientID        string
	ClientSecret    string
	TokenDir        string
	MaxResults      int64
}

// SlackConfig holds the review channel settings.
type SlackConfig struct {
	BotToken      string
	SigningSecret string
	Channel       string
}

// GeneratorConfig holds the text generation settings.
type GeneratorConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Config holds all configuration for the triage agent.
type Config struct {
	DatabaseURL string

	// Redis. Empty URL selects in-process dedup and no event feed.
	RedisURL     string
	DedupPrefix  string
	LedgerPrefix string
	EventsQueue  string

	Google    GoogleConfig
	Slack     SlackConfig
	Generator GeneratorConfig
	Mailboxes []MailboxConfig

	PollInterval    time.Duration
	ExternalTimeout time.Duration
	ShutdownGrace   time.Duration

	Port     int
	LogLevel slog.Level
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL      string `yaml:"url"`
		Prefixes struct {
			Dedup  string `yaml:"dedup"`
			Ledger string `yaml:"ledger"`
		} `yaml:"prefixes"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Google struct {
		CredentialsFile string `yaml:"credentials_file"`
		ClientID        string `yaml:"client_id"`
		ClientSecret    string `yaml:"client_secret"`
		TokenDir        string `yaml:"token_dir"`
		MaxResults      int64  `yaml:"max_results"`
	} `yaml:"google"`
	Slack struct {
		BotToken      string `yaml:"bot_token"`
		SigningSecret string `yaml:"signing_secret"`
		Channel       string `yaml:"approval_channel"`
	} `yaml:"slack"`
	Generator struct {
		APIKey    string `yaml:"api_key"`
		Model     string `yaml:"model"`
		MaxTokens int    `yaml:"max_tokens"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"generator"`
	Mailboxes []MailboxConfig `yaml:"mailboxes"`
	Sync      struct {
		Interval        string `yaml:"interval"`
		ExternalTimeout string `yaml:"external_timeout"`
		ShutdownGrace   string `yaml:"shutdown_grace"`
	} `yaml:"sync"`
}

// Load reads configuration from CONFIG_PATH (default /app/config/config.yaml).
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "/app/config/config.yaml"))
}

// LoadFile reads configuration from path (with env var expansion) and
// environment variables for non-YAML settings.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL:  firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:     firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		DedupPrefix:  firstNonEmpty(raw.Redis.Prefixes.Dedup, "mailki:seen:"),
		LedgerPrefix: firstNonEmpty(raw.Redis.Prefixes.Ledger, "mailki:thread:"),
		EventsQueue:  firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "mailki:draft-events")),
		Google: GoogleConfig{
			CredentialsFile: firstNonEmpty(raw.Google.CredentialsFile, os.Getenv("GOOGLE_CREDENTIALS_FILE")),
			ClientID:        firstNonEmpty(raw.Google.ClientID, os.Getenv("GOOGLE_CLIENT_ID")),
			ClientSecret:    firstNonEmpty(raw.Google.ClientSecret, os.Getenv("GOOGLE_CLIENT_SECRET")),
			TokenDir:        firstNonEmpty(raw.Google.TokenDir, envOrDefault("GOOGLE_TOKEN_DIR", "/app/tokens")),
			MaxResults:      raw.Google.MaxResults,
		},
		Slack: SlackConfig{
			BotToken:      firstNonEmpty(raw.Slack.BotToken, os.Getenv("SLACK_BOT_TOKEN")),
			SigningSecret: firstNonEmpty(raw.Slack.SigningSecret, os.Getenv("SLACK_SIGNING_SECRET")),
			Channel:       firstNonEmpty(raw.Slack.Channel, os.Getenv("SLACK_APPROVAL_CHANNEL")),
		},
		Generator: GeneratorConfig{
			APIKey:    firstNonEmpty(raw.Generator.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
			Model:     firstNonEmpty(raw.Generator.Model, os.Getenv("GENERATOR_MODEL")),
			MaxTokens: raw.Generator.MaxTokens,
		},
		Mailboxes: raw.Mailboxes,
		Port:      envOrDefaultInt("PORT", 8080),
		LogLevel:  parseLevel(envOrDefault("LOG_LEVEL", "info")),
	}

	durations := []struct {
		name     string
		yamlVal  string
		env      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"generator.timeout", raw.Generator.Timeout, "GENERATOR_TIMEOUT", 45 * time.Second, &cfg.Generator.Timeout},
		{"sync.interval", raw.Sync.Interval, "POLL_INTERVAL", 5 * time.Minute, &cfg.PollInterval},
		{"sync.external_timeout", raw.Sync.ExternalTimeout, "EXTERNAL_TIMEOUT", 30 * time.Second, &cfg.ExternalTimeout},
		{"sync.shutdown_grace", raw.Sync.ShutdownGrace, "SHUTDOWN_GRACE", 15 * time.Second, &cfg.ShutdownGrace},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.yamlVal) == "" {
			*d.dst = envOrDefaultDuration(d.env, d.fallback)
			continue
		}
		v, err := time.ParseDuration(d.yamlVal)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("%s: invalid duration %q", d.name, d.yamlVal)
		}
		*d.dst = v
	}

	for i, mb := range cfg.Mailboxes {
		if mb.Address == "" {
			return nil, fmt.Errorf("mailboxes[%d]: address is required", i)
		}
		if mb.ID == "" {
			cfg.Mailboxes[i].ID = mb.Address
		}
	}

	return cfg, nil
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
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
