// Package config provides configuration management using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/recallhq/recall/internal/common/logger"
)

// Config holds all configuration for the Recall daemon.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Database  DatabaseConfig       `mapstructure:"database"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Analyzer  AnalyzerConfig       `mapstructure:"analyzer"`
	Vector    VectorConfig         `mapstructure:"vector"`
	Retention RetentionConfig      `mapstructure:"retention"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the host:port address the server binds to.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds event bus settings. An empty URL selects the
// in-process bus.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	ClientID      string        `mapstructure:"client_id"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// AnalyzerConfig holds settings for the analyzer subprocess.
type AnalyzerConfig struct {
	Binary       string        `mapstructure:"binary"`
	Model        string        `mapstructure:"model"`
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	WorkDir      string        `mapstructure:"work_dir"`
}

// VectorConfig holds settings for the optional vector index. An empty
// URL disables vector sync entirely.
type VectorConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	QueueSize      int           `mapstructure:"queue_size"`
	Workers        int           `mapstructure:"workers"`
}

// RetentionConfig controls cleanup of processed queue rows.
type RetentionConfig struct {
	KeepProcessed int `mapstructure:"keep_processed"`
}

// Load reads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, optionally from an explicit file path.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.recall")
		v.AddConfigPath("/etc/recall")
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults + env are enough
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4710)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	// Database
	v.SetDefault("database.path", "recall.db")

	// NATS (empty URL selects the in-process bus)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "recall")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.timeout", 5*time.Second)

	// Analyzer subprocess
	v.SetDefault("analyzer.binary", "claude")
	v.SetDefault("analyzer.model", "")
	v.SetDefault("analyzer.spawn_timeout", 15*time.Second)
	v.SetDefault("analyzer.work_dir", "")

	// Vector index (disabled unless a URL is configured)
	v.SetDefault("vector.url", "")
	v.SetDefault("vector.connect_timeout", 15*time.Second)
	v.SetDefault("vector.queue_size", 256)
	v.SetDefault("vector.workers", 2)

	// Retention
	v.SetDefault("retention.keep_processed", 100)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Analyzer.Binary == "" {
		return fmt.Errorf("analyzer.binary is required")
	}
	if c.Retention.KeepProcessed < 0 {
		return fmt.Errorf("retention.keep_processed must not be negative")
	}
	return nil
}
