package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxFrameBytes int `toml:"max_frame_bytes"`
	SendTimeoutMs int `toml:"send_timeout_ms"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      7465,
			SSHPort:      7466,
			HTTPPort:     8080,
			MetricsPort:  9090,
			SSHHostKey:   "~/.keychat/ssh_host_key",
			DatabasePath: "~/.keychat/users.db",
		},
		Limits: LimitsSection{
			MaxFrameBytes: 65536,
			SendTimeoutMs: 5000,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file if
// none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions?) — still usable with defaults
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(config)
}

// applyEnvOverrides lets KEYCHAT_* environment variables override file
// values, mainly for containerized deployments.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if v := os.Getenv("KEYCHAT_TCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.TCPPort = port
		}
	}
	if v := os.Getenv("KEYCHAT_SSH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.SSHPort = port
		}
	}
	if v := os.Getenv("KEYCHAT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("KEYCHAT_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("KEYCHAT_DATABASE_PATH"); v != "" {
		config.Server.DatabasePath = v
	}
	if v := os.Getenv("KEYCHAT_SSH_HOST_KEY"); v != "" {
		config.Server.SSHHostKey = v
	}
	return config
}

// ServerConfig holds the runtime server configuration.
type ServerConfig struct {
	TCPPort        int
	SSHPort        int // 0 disables the SSH transport
	HTTPPort       int // 0 disables the WebSocket transport
	MetricsPort    int // 0 disables the metrics listener
	SSHHostKeyPath string
	MaxFrameBytes  int
	SendTimeout    time.Duration
}

// DefaultConfig returns default runtime configuration.
func DefaultConfig() ServerConfig {
	return DefaultTOMLConfig().ServerConfig()
}

// ServerConfig converts the file representation to runtime configuration.
func (c TOMLConfig) ServerConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        c.Server.TCPPort,
		SSHPort:        c.Server.SSHPort,
		HTTPPort:       c.Server.HTTPPort,
		MetricsPort:    c.Server.MetricsPort,
		SSHHostKeyPath: c.Server.SSHHostKey,
		MaxFrameBytes:  c.Limits.MaxFrameBytes,
		SendTimeout:    time.Duration(c.Limits.SendTimeoutMs) * time.Millisecond,
	}
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
