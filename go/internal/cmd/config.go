package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mcdev12/backbone/go/internal/gateway"
	"github.com/mcdev12/backbone/go/internal/job"
	"github.com/mcdev12/backbone/go/internal/outbox"
	"github.com/mcdev12/backbone/go/internal/pgnotify"
	"github.com/mcdev12/backbone/go/internal/relay"
	"gopkg.in/yaml.v3"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"
)

type Config struct {
	// Store selects the persistence backend: "postgres" or "memory".
	Store    string `yaml:"store"`
	LogLevel string `yaml:"log_level"`

	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Outbox        outbox.Config            `yaml:"outbox"`
	OutboxChannel string                   `yaml:"outbox_channel"`
	Jobs          job.ExecutorConfig       `yaml:"jobs"`
	Notify        pgnotify.ListenerConfig  `yaml:"notify"`
	Gateway       gateway.ConnectionConfig `yaml:"gateway"`

	Relay struct {
		Enabled   bool                  `yaml:"enabled"`
		JetStream relay.JetStreamConfig `yaml:"jetstream"`
		Job       relay.Config          `yaml:"job"`
	} `yaml:"relay"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Store = storePostgres
	cfg.LogLevel = "info"
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Outbox = outbox.DefaultConfig()
	cfg.OutboxChannel = "outbox_events"
	cfg.Jobs = job.DefaultExecutorConfig()
	cfg.Notify = pgnotify.DefaultListenerConfig()
	cfg.Gateway = gateway.DefaultConnectionConfig()
	cfg.Relay.Enabled = true
	cfg.Relay.JetStream = relay.DefaultJetStreamConfig()
	cfg.Relay.Job = relay.DefaultConfig()
	return cfg
}

// loadConfig reads the optional YAML file over the defaults, then applies
// environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	switch cfg.Store {
	case storePostgres, storeMemory:
	default:
		return cfg, fmt.Errorf("unknown store %q", cfg.Store)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Store = getEnv("STORE", c.Store)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Relay.JetStream.URL = getEnv("NATS_URL", c.Relay.JetStream.URL)
	if v := os.Getenv("RELAY_ENABLED"); v != "" {
		c.Relay.Enabled = v == "true" || v == "1"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
