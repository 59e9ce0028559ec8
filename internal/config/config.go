// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP handler server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	Handler HandlerConfig `yaml:"handler"`
	Relay   RelayConfig   `yaml:"relay"`
	Mailbox MailboxConfig `yaml:"mailbox"`
	SES     SESConfig     `yaml:"ses"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen   string `yaml:"listen"`
	Hostname string `yaml:"hostname"`
}

// HandlerConfig selects the message handler and its construction arguments.
type HandlerConfig struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args"`
}

// RelayConfig holds the downstream SMTP endpoint for the relay handler.
type RelayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MailboxConfig holds the root directory for the mailbox handler.
type MailboxConfig struct {
	Dir string `yaml:"dir"`
}

// SESConfig holds AWS SES v2 configuration for the ses handler.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer, then
// overrides with environment variables. Returns an error if the specified
// file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// RelayConfigured returns true if a downstream relay endpoint is set.
func (c *Config) RelayConfigured() bool {
	return c.Relay.Host != "" && c.Relay.Port > 0
}

// SESConfigured returns true if the required SES settings are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.Handler.Name = "debug"
	c.Relay.Port = 25
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}

	if v := os.Getenv("HANDLER"); v != "" {
		c.Handler.Name = v
	}
	if v := os.Getenv("HANDLER_ARGS"); v != "" {
		c.Handler.Args = strings.Fields(v)
	}

	if v := os.Getenv("RELAY_HOST"); v != "" {
		c.Relay.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Relay.Port = port
		}
	}

	if v := os.Getenv("MAILBOX_DIR"); v != "" {
		c.Mailbox.Dir = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
