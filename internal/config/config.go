// Package config loads and validates the relay's environment-driven
// configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr            string `env:"RELAY_ADDR" envDefault:":4017"`
	ProtocolVersion int    `env:"RELAY_PROTOCOL_VERSION" envDefault:"1"`

	// Room pipeline timing
	BufferInterval    time.Duration `env:"RELAY_BUFFER_INTERVAL" envDefault:"50ms"`
	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL" envDefault:"1s"`
	HeartbeatTimeout  time.Duration `env:"RELAY_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	SnapshotInterval  time.Duration `env:"RELAY_SNAPSHOT_INTERVAL" envDefault:"30s"`

	// Capacity
	MaxMissedHeartbeats int `env:"RELAY_MAX_MISSED_HEARTBEATS" envDefault:"3"`
	MaxRooms            int `env:"RELAY_MAX_ROOMS" envDefault:"256"`
	MaxClientsPerRoom   int `env:"RELAY_MAX_CLIENTS_PER_ROOM" envDefault:"10"`
	MaxCommandBatchSize int `env:"RELAY_MAX_COMMAND_BATCH" envDefault:"100"`
	MaxConnections      int `env:"RELAY_MAX_CONNECTIONS" envDefault:"4096"`

	// Connection rate limiting (token buckets, per second)
	ConnRate    float64 `env:"RELAY_CONN_RATE" envDefault:"50"`
	ConnBurst   int     `env:"RELAY_CONN_BURST" envDefault:"100"`
	ConnIPRate  float64 `env:"RELAY_CONN_IP_RATE" envDefault:"2"`
	ConnIPBurst int     `env:"RELAY_CONN_IP_BURST" envDefault:"8"`

	// Persistence
	DatabasePath    string        `env:"RELAY_DATABASE_PATH" envDefault:"relay.db"`
	CommandLog      bool          `env:"RELAY_COMMAND_LOG" envDefault:"true"`
	RetentionMaxAge time.Duration `env:"RELAY_RETENTION_MAX_AGE" envDefault:"24h"`
	CleanupInterval time.Duration `env:"RELAY_CLEANUP_INTERVAL" envDefault:"1h"`

	// Compression
	CompressionMethod    string `env:"RELAY_COMPRESSION_METHOD" envDefault:"lz4"`
	CompressionThreshold int    `env:"RELAY_COMPRESSION_THRESHOLD" envDefault:"500"`

	// Shutdown
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from the optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; deployments set variables directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.ProtocolVersion < 1 {
		return fmt.Errorf("RELAY_PROTOCOL_VERSION must be >= 1, got %d", c.ProtocolVersion)
	}

	// Range checks
	if c.BufferInterval <= 0 {
		return fmt.Errorf("RELAY_BUFFER_INTERVAL must be > 0, got %s", c.BufferInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("RELAY_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("RELAY_HEARTBEAT_TIMEOUT must be > 0, got %s", c.HeartbeatTimeout)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("RELAY_SNAPSHOT_INTERVAL must be > 0, got %s", c.SnapshotInterval)
	}
	if c.MaxMissedHeartbeats < 1 {
		return fmt.Errorf("RELAY_MAX_MISSED_HEARTBEATS must be > 0, got %d", c.MaxMissedHeartbeats)
	}
	if c.MaxRooms < 1 {
		return fmt.Errorf("RELAY_MAX_ROOMS must be > 0, got %d", c.MaxRooms)
	}
	if c.MaxClientsPerRoom < 1 {
		return fmt.Errorf("RELAY_MAX_CLIENTS_PER_ROOM must be > 0, got %d", c.MaxClientsPerRoom)
	}
	if c.MaxCommandBatchSize < 1 {
		return fmt.Errorf("RELAY_MAX_COMMAND_BATCH must be > 0, got %d", c.MaxCommandBatchSize)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("RELAY_COMPRESSION_THRESHOLD must be >= 0, got %d", c.CompressionThreshold)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("RELAY_DATABASE_PATH is required")
	}

	// Logical checks
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("RELAY_HEARTBEAT_TIMEOUT (%s) must be >= RELAY_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}

	// Enum checks
	validMethods := map[string]bool{"none": true, "lz4": true}
	if !validMethods[c.CompressionMethod] {
		return fmt.Errorf("RELAY_COMPRESSION_METHOD must be one of: none, lz4 (got: %s)", c.CompressionMethod)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("protocol_version", c.ProtocolVersion).
		Dur("buffer_interval", c.BufferInterval).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Int("max_missed_heartbeats", c.MaxMissedHeartbeats).
		Dur("snapshot_interval", c.SnapshotInterval).
		Int("max_rooms", c.MaxRooms).
		Int("max_clients_per_room", c.MaxClientsPerRoom).
		Int("max_command_batch", c.MaxCommandBatchSize).
		Int("max_connections", c.MaxConnections).
		Str("database_path", c.DatabasePath).
		Bool("command_log", c.CommandLog).
		Dur("retention_max_age", c.RetentionMaxAge).
		Dur("cleanup_interval", c.CleanupInterval).
		Str("compression_method", c.CompressionMethod).
		Int("compression_threshold", c.CompressionThreshold).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Relay configuration loaded")
}
