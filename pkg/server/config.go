package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/opticom/chat/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file.
// Every scalar can also be set through the environment variable in its env tag.
type TOMLConfig struct {
	Server   ServerSection  `toml:"server"`
	Limits   LimitsSection  `toml:"limits"`
	History  HistorySection `toml:"history"`
	Logging  LoggingSection `toml:"logging"`
	Slowmode map[string]int `toml:"slowmode"` // room -> seconds
}

type ServerSection struct {
	TCPPort    int    `toml:"tcp_port" env:"OPTICOM_TCP_PORT"`
	HTTPPort   int    `toml:"http_port" env:"OPTICOM_HTTP_PORT"`
	SSHPort    int    `toml:"ssh_port" env:"OPTICOM_SSH_PORT"`
	SSHHostKey string `toml:"ssh_host_key" env:"OPTICOM_SSH_HOST_KEY"`
	XORKey     string `toml:"xor_key" env:"OPTICOM_XOR_KEY"`
}

type LimitsSection struct {
	MaxClients           int     `toml:"max_clients" env:"OPTICOM_MAX_CLIENTS"`
	MaxConnectionsPerIP  int     `toml:"max_connections_per_ip" env:"OPTICOM_MAX_CONNECTIONS_PER_IP"`
	ConnectRatePerSecond float64 `toml:"connect_rate_per_second" env:"OPTICOM_CONNECT_RATE"`
	ConnectBurst         int     `toml:"connect_burst" env:"OPTICOM_CONNECT_BURST"`
	BurstMessages        int     `toml:"burst_messages" env:"OPTICOM_BURST_MESSAGES"`
	BurstWindowMs        int     `toml:"burst_window_ms" env:"OPTICOM_BURST_WINDOW_MS"`
	MaxMessageLength     int     `toml:"max_message_length" env:"OPTICOM_MAX_MESSAGE_LENGTH"`
}

type HistorySection struct {
	Backend      string `toml:"backend" env:"OPTICOM_HISTORY_BACKEND"`
	Dir          string `toml:"dir" env:"OPTICOM_HISTORY_DIR"`
	DatabasePath string `toml:"database_path" env:"OPTICOM_HISTORY_DB"`
}

type LoggingSection struct {
	Level  string `toml:"level" env:"OPTICOM_LOG_LEVEL"`
	Format string `toml:"format" env:"OPTICOM_LOG_FORMAT"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:    8080,
			HTTPPort:   0,
			SSHPort:    0,
			SSHHostKey: "~/.opticom/ssh_host_key",
		},
		Limits: LimitsSection{
			MaxClients:           0,
			MaxConnectionsPerIP:  10,
			ConnectRatePerSecond: 5,
			ConnectBurst:         20,
			BurstMessages:        DefaultBurstMessages,
			BurstWindowMs:        int(DefaultBurstWindow / time.Millisecond),
			MaxMessageLength:     1023,
		},
		History: HistorySection{
			Backend:      "file",
			Dir:          "~/.opticom/history",
			DatabasePath: "~/.opticom/history.db",
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "pretty",
		},
		Slowmode: map[string]int{},
	}
}

// LoadConfig loads configuration from a TOML file (creating it with defaults
// if missing), then applies a .env file and environment variables on top
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just run with defaults
		_ = writeDefaultConfig(path, config)
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return TOMLConfig{}, err
	}

	if err := config.Validate(); err != nil {
		return TOMLConfig{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from a .env file in the working directory (if
// any) and from the process environment
func (c *TOMLConfig) ApplyEnv() error {
	// A missing .env file is normal
	_ = godotenv.Load()

	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Validate checks configuration for errors
func (c *TOMLConfig) Validate() error {
	ports := map[string]int{
		"server.tcp_port":  c.Server.TCPPort,
		"server.http_port": c.Server.HTTPPort,
		"server.ssh_port":  c.Server.SSHPort,
	}
	for name, port := range ports {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0-65535, got %d", name, port)
		}
	}

	if c.Limits.MaxMessageLength < 0 || c.Limits.MaxMessageLength > 64*1024 {
		return fmt.Errorf("limits.max_message_length must be 0-65536, got %d", c.Limits.MaxMessageLength)
	}
	if c.Limits.BurstMessages < 0 {
		return fmt.Errorf("limits.burst_messages must be >= 0, got %d", c.Limits.BurstMessages)
	}
	if c.Limits.ConnectRatePerSecond < 0 {
		return fmt.Errorf("limits.connect_rate_per_second must be >= 0, got %v", c.Limits.ConnectRatePerSecond)
	}

	switch c.History.Backend {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("history.backend must be \"file\" or \"sqlite\", got %q", c.History.Backend)
	}

	for room, seconds := range c.Slowmode {
		if !protocol.ValidRoomName(room) {
			return fmt.Errorf("slowmode key %q is not a valid room name (letters, digits, - and _, up to 32 characters)", room)
		}
		if seconds < 0 || seconds > protocol.MaxSlowmodeSeconds {
			return fmt.Errorf("slowmode.%s must be 0-%d, got %d", room, protocol.MaxSlowmodeSeconds, seconds)
		}
	}

	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Opticom Chat Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, expanding ~ in paths
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.XORKey = []byte(c.Server.XORKey)

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	cfg.MaxClients = c.Limits.MaxClients
	cfg.MaxConnectionsPerIP = c.Limits.MaxConnectionsPerIP
	cfg.ConnectRatePerSecond = c.Limits.ConnectRatePerSecond
	cfg.ConnectBurst = c.Limits.ConnectBurst

	if c.Limits.BurstMessages != 0 {
		cfg.BurstMessages = c.Limits.BurstMessages
	}
	if c.Limits.BurstWindowMs != 0 {
		cfg.BurstWindow = time.Duration(c.Limits.BurstWindowMs) * time.Millisecond
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}

	if c.History.Backend != "" {
		cfg.HistoryBackend = c.History.Backend
	}

	var err error
	if c.History.Dir != "" {
		if cfg.HistoryDir, err = expandHome(c.History.Dir); err != nil {
			return ServerConfig{}, err
		}
	}
	if c.History.DatabasePath != "" {
		if cfg.HistoryDBPath, err = expandHome(c.History.DatabasePath); err != nil {
			return ServerConfig{}, err
		}
	}
	if cfg.SSHHostKeyPath, err = expandHome(cfg.SSHHostKeyPath); err != nil {
		return ServerConfig{}, err
	}

	cfg.Slowmode = make(map[string]time.Duration, len(c.Slowmode))
	for room, seconds := range c.Slowmode {
		cfg.Slowmode[room] = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}

// expandHome expands a leading ~/ to the user's home directory
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
