// Package config loads the loomd daemon configuration: defaults, then
// a TOML file, then env vars (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Store     StoreConfig     `toml:"store"`
	Workflows WorkflowsConfig `toml:"workflows"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Slack     SlackConfig     `toml:"slack"`
	SMS       SMSConfig       `toml:"sms"`
	Observer  ObserverConfig  `toml:"observer"`
}

// StoreConfig selects the persistence backend. Backend is one of
// "file", "sqlite", "postgres".
type StoreConfig struct {
	Backend     string `toml:"backend"`
	DataDir     string `toml:"data_dir"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

// WorkflowsConfig points at the workflow definition files.
type WorkflowsConfig struct {
	// Dir holds *.json and *.yaml workflow definitions, loaded at
	// startup.
	Dir string `toml:"dir"`
}

type TelegramConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
}

type SlackConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	// ListenAddr serves the Events API and interactivity webhooks.
	ListenAddr    string `toml:"listen_addr"`
	SigningSecret string `toml:"signing_secret"`
}

type SMSConfig struct {
	Enabled    bool   `toml:"enabled"`
	AccountSID string `toml:"account_sid"`
	AuthToken  string `toml:"auth_token"`
	FromNumber string `toml:"from_number"`
	// ListenAddr serves the inbound-message webhook.
	ListenAddr string `toml:"listen_addr"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "file",
			DataDir: "loom-data",
		},
		Workflows: WorkflowsConfig{Dir: "workflows"},
		Slack:     SlackConfig{ListenAddr: ":8080"},
		SMS:       SMSConfig{ListenAddr: ":8081"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LOOM_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("LOOM_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("LOOM_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("LOOM_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("LOOM_SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
		cfg.Slack.Enabled = true
	}
	if v := os.Getenv("LOOM_SLACK_SIGNING_SECRET"); v != "" {
		cfg.Slack.SigningSecret = v
	}
	if v := os.Getenv("LOOM_SMS_ACCOUNT_SID"); v != "" {
		cfg.SMS.AccountSID = v
	}
	if v := os.Getenv("LOOM_SMS_AUTH_TOKEN"); v != "" {
		cfg.SMS.AuthToken = v
	}
	if v := os.Getenv("LOOM_SMS_FROM_NUMBER"); v != "" {
		cfg.SMS.FromNumber = v
		cfg.SMS.Enabled = true
	}
	if v := os.Getenv("LOOM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "loom.db"
	}

	return cfg
}
