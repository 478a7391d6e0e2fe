package eventbus

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/config"
)

// Validate checks the NATS configuration and fills connection defaults.
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("NATS stream name is required")
	}
	if len(c.StreamSubjects) == 0 {
		return fmt.Errorf("NATS stream subjects are required")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("NATS max age must be positive")
	}
	if c.Replicas < 1 {
		c.Replicas = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 10
	}
	return nil
}

// NATSConfigFrom maps the service configuration onto NATS settings.
func NATSConfigFrom(cfg config.EventBusConfig) *NATSConfig {
	nc := DefaultNATSConfig()
	if cfg.URL != "" {
		nc.URL = cfg.URL
	}
	if cfg.StreamName != "" {
		nc.StreamName = cfg.StreamName
	}
	if cfg.MaxAge > 0 {
		nc.MaxAge = cfg.MaxAge
	}
	return nc
}

// NewFromConfig returns a connected bus, or nil when the bus is disabled.
func NewFromConfig(cfg config.EventBusConfig, logger *zap.Logger) (*NATSEventBus, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	nc := NATSConfigFrom(cfg)
	if err := nc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event bus configuration: %w", err)
	}
	return NewNATSEventBus(nc, logger)
}
