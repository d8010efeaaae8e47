// Package config provides configuration loading for storyd.
//
// Configuration is loaded from a YAML file, then overridden by
// environment variables, with hardcoded defaults for anything unset.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/storyd/internal/story"
)

// Config holds the complete storyd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	NATS          NATSConfig          `koanf:"nats"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Escalation    EscalationConfig    `koanf:"escalation"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	Insecure        bool   `koanf:"insecure"`
}

// NATSConfig holds the event mirror configuration. When disabled,
// events stay on the in-process bus only.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// PipelineConfig holds retry policy configuration. StageRetryCaps
// overrides the default cap per stage name.
type PipelineConfig struct {
	DefaultRetryCap int            `koanf:"default_retry_cap"`
	StageRetryCaps  map[string]int `koanf:"stage_retry_caps"`
}

// EscalationConfig tunes escalation records.
type EscalationConfig struct {
	ReasonWindow     int           `koanf:"reason_window"`
	DecisionDeadline time.Duration `koanf:"decision_deadline"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "storyd"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}

	if cfg.Pipeline.DefaultRetryCap == 0 {
		cfg.Pipeline.DefaultRetryCap = 1
	}
	if cfg.Pipeline.StageRetryCaps == nil {
		cfg.Pipeline.StageRetryCaps = map[string]int{
			string(story.StageManualValidation): 3,
		}
	}

	if cfg.Escalation.ReasonWindow == 0 {
		cfg.Escalation.ReasonWindow = 5
	}
	if cfg.Escalation.DecisionDeadline == 0 {
		cfg.Escalation.DecisionDeadline = 24 * time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format %q (expected json or console)", c.Logging.Format)
	}

	if c.Observability.EnableTelemetry {
		if c.Observability.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		if c.Observability.Protocol != "grpc" && c.Observability.Protocol != "http" {
			return fmt.Errorf("invalid telemetry protocol %q (expected grpc or http)", c.Observability.Protocol)
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}

	if c.Pipeline.DefaultRetryCap < 0 {
		return errors.New("default retry cap cannot be negative")
	}
	for stage, cap := range c.Pipeline.StageRetryCaps {
		if !story.ValidStage(story.Stage(stage)) {
			return fmt.Errorf("retry cap for unknown stage %q", stage)
		}
		if cap < 0 {
			return fmt.Errorf("retry cap for stage %q cannot be negative", stage)
		}
	}

	if c.Escalation.ReasonWindow < 0 {
		return errors.New("escalation reason window cannot be negative")
	}
	if c.Escalation.DecisionDeadline < 0 {
		return errors.New("escalation decision deadline cannot be negative")
	}

	return nil
}

// RetryCaps returns the per-stage retry overrides keyed by stage.
func (c *Config) RetryCaps() map[story.Stage]int {
	out := make(map[story.Stage]int, len(c.Pipeline.StageRetryCaps))
	for k, v := range c.Pipeline.StageRetryCaps {
		out[story.Stage(k)] = v
	}
	return out
}
