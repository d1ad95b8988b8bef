// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from
// switchboard.yaml.
type Config struct {
	Tenant   string         `yaml:"tenant"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Worker   WorkerConfig   `yaml:"worker"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AMQPConfig holds RabbitMQ settings for external event fan-out. When URL is
// empty, external publishing is disabled and only the in-process bus fires.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// WorkerConfig controls the durable job queue worker.
type WorkerConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MaxAttempts         int    `yaml:"max_attempts"`
	BackoffBaseSeconds  int    `yaml:"backoff_base_seconds"`
	StaleAfterMinutes   int    `yaml:"stale_after_minutes"`
	MaintenanceCron     string `yaml:"maintenance_cron"` // 5-field cron expression
}

// WhatsAppConfig supplies per-channel credentials for the WhatsApp Cloud
// provider API. The pipeline treats these as opaque.
type WhatsAppConfig struct {
	APIBaseURL string                     `yaml:"api_base_url"`
	Channels   map[string]WhatsAppChannel `yaml:"channels"` // keyed by channel id
}

// WhatsAppChannel holds credentials for one connected WhatsApp number.
type WhatsAppChannel struct {
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
}

// DiscordConfig holds the bot token for the Discord send gateway.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Database == "" {
		c.Database.Database = "switchboard"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "switchboard.events"
	}
	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = 2
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.BackoffBaseSeconds == 0 {
		c.Worker.BackoffBaseSeconds = 30
	}
	if c.Worker.StaleAfterMinutes == 0 {
		c.Worker.StaleAfterMinutes = 15
	}
	if c.Worker.MaintenanceCron == "" {
		c.Worker.MaintenanceCron = "*/10 * * * *"
	}
	if c.WhatsApp.APIBaseURL == "" {
		c.WhatsApp.APIBaseURL = "https://graph.facebook.com/v21.0"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Tenant == "" {
		errs = append(errs, "tenant is required")
	}
	for id, ch := range c.WhatsApp.Channels {
		if ch.AccessToken == "" {
			errs = append(errs, fmt.Sprintf("whatsapp.channels[%s].access_token is required", id))
		}
		if ch.PhoneNumberID == "" {
			errs = append(errs, fmt.Sprintf("whatsapp.channels[%s].phone_number_id is required", id))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
