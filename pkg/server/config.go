package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds the resolved runtime configuration.
type ServerConfig struct {
	TCPPort          int
	HTTPPort         int // WebSocket + metrics listener; negative disables, 0 binds an ephemeral port
	MaxMessageLength int
	SendQueueSize    int
	HistoryLimit     int
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          9000,
		HTTPPort:         9001,
		MaxMessageLength: 4096,
		SendQueueSize:    256,
		HistoryLimit:     100,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
	SendQueueSize    int `toml:"send_queue_size"`
	HistoryLimit     int `toml:"history_limit"`
}

// DefaultTOMLConfig returns the default config file contents.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      9000,
			HTTPPort:     9001,
			DatabasePath: "~/.relaychat/relaychat.db",
		},
		Limits: LimitsSection{
			MaxMessageLength: 4096,
			SendQueueSize:    256,
			HistoryLimit:     100,
		},
	}
}

// LoadConfig loads configuration from a TOML file, writing a default file
// if none exists yet.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Failure to write just means we run on defaults.
		_ = writeDefaultConfig(expanded, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# relaychat server configuration
# This file was auto-generated with default values.
# Edit as needed and restart the server for changes to take effect.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts the file config to a runtime config, filling
// zero values with defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.SendQueueSize != 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}
	if c.Limits.HistoryLimit != 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if path == "" {
		path = DefaultTOMLConfig().Server.DatabasePath
	}
	return expandHome(path)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
