// Package config provides configuration management for the agent gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Events   EventsConfig   `mapstructure:"events"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Bot      BotConfig      `mapstructure:"bot"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds web-hub transport server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// EventsConfig holds cross-process event bus configuration (C5 backing transport).
type EventsConfig struct {
	// NATSURL, when set, backs the notification fan-out with a NATS event bus
	// instead of the in-memory one. Empty means in-memory only.
	NATSURL string `mapstructure:"natsUrl"`
	// Namespace prefixes the notification subjects, isolating deployments
	// that share one NATS server.
	Namespace string `mapstructure:"namespace"`
	// ClientID identifies this process on the NATS connection.
	ClientID string `mapstructure:"clientId"`
	// MaxReconnects bounds the NATS client's automatic reconnect attempts.
	MaxReconnects int `mapstructure:"maxReconnects"`
}

// NATSConfig holds the subset of EventsConfig the NATS-backed bus needs.
type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NATS projects EventsConfig into the shape bus.NewNATSEventBus expects.
func (e *EventsConfig) NATS() NATSConfig {
	return NATSConfig{
		URL:           e.NATSURL,
		ClientID:      e.ClientID,
		MaxReconnects: e.MaxReconnects,
	}
}

// StreamConfig holds Stream Broker (C3) tuning: replay buffer size and the
// grace window kept configurable rather than hardcoded.
type StreamConfig struct {
	BufferSize       int `mapstructure:"bufferSize"`       // replay ring capacity, default 100
	SubscriberQueue  int `mapstructure:"subscriberQueue"`  // per-subscriber channel capacity
	GraceWindowMs    int `mapstructure:"graceWindowMs"`    // post-completion teardown delay, default 5000
}

// ApprovalConfig holds Approval Rendezvous (C4) tuning.
type ApprovalConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"` // default 120 (2 minutes)
}

// BotConfig holds the messaging-app bot transport configuration.
type BotConfig struct {
	Token   string `mapstructure:"token"`
	AgentID string `mapstructure:"agentId"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GraceWindow returns the stream grace window as a time.Duration.
func (s *StreamConfig) GraceWindow() time.Duration {
	return time.Duration(s.GraceWindowMs) * time.Millisecond
}

// Timeout returns the approval timeout as a time.Duration.
func (a *ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTGW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Empty NATS URL means use the in-memory event bus.
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")
	v.SetDefault("events.clientId", "agentgw")
	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("stream.bufferSize", 100)
	v.SetDefault("stream.subscriberQueue", 256)
	v.SetDefault("stream.graceWindowMs", 5000)

	v.SetDefault("approval.timeoutSeconds", 120)

	v.SetDefault("bot.token", "")
	v.SetDefault("bot.agentId", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTGW_ with the key's dots replaced by
// underscores (e.g. AGENTGW_SERVER_PORT, AGENTGW_STREAM_BUFFERSIZE).
// Config file should be named config.yaml and placed in the current directory or /etc/agentgw/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("bot.token", "AGENTGW_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("events.natsUrl", "AGENTGW_NATS_URL")
	_ = v.BindEnv("logging.level", "AGENTGW_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgw/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Stream.BufferSize <= 0 {
		errs = append(errs, "stream.bufferSize must be positive")
	}
	if cfg.Stream.SubscriberQueue <= 0 {
		errs = append(errs, "stream.subscriberQueue must be positive")
	}
	if cfg.Stream.GraceWindowMs < 0 {
		errs = append(errs, "stream.graceWindowMs must not be negative")
	}

	if cfg.Approval.TimeoutSeconds <= 0 {
		errs = append(errs, "approval.timeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
