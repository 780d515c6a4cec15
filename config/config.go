// Package config provides YAML-based configuration loading for the engines
// in this library (TCP client/server, UDP client/server, QUIC) plus shared
// logging configuration, grounded on the teacher's viper-based pkg/config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration: a set of independently
// optional engine configs plus shared logging.
type Config struct {
	Log LogConfig `mapstructure:"log"`

	TCPClient *TCPClientConfig `mapstructure:"tcp_client"`
	TCPServer *TCPServerConfig `mapstructure:"tcp_server"`
	UDPClient *UDPClientConfig `mapstructure:"udp_client"`
	UDPServer *UDPServerConfig `mapstructure:"udp_server"`
	QUIC      *QUICConfig      `mapstructure:"quic"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TCPClientConfig mirrors spec.md §6's TCP-client configuration table (the
// callback/certificate fields are wired at construction time in Go, not
// unmarshaled from YAML; this struct covers the scalar subset).
type TCPClientConfig struct {
	TargetHostname      string `mapstructure:"target_hostname"`
	TargetPort           int    `mapstructure:"target_port"`
	ConnectionTimeoutMS  int    `mapstructure:"connection_timeout_ms"`
	MaxSendQueueSize     int    `mapstructure:"max_send_queue_size"`
	UseSsl               bool   `mapstructure:"use_ssl"`
	CheckCertificateRevocation bool `mapstructure:"check_certificate_revocation"`
}

// TCPServerConfig mirrors spec.md §6's TCP-server configuration table.
type TCPServerConfig struct {
	IPAddress               string `mapstructure:"ip_address"`
	Port                     int    `mapstructure:"port"`
	MaxSendQueuePerPeerSize  int    `mapstructure:"max_send_queue_per_peer_size"`
	ConnectionTimeoutMS      int    `mapstructure:"connection_timeout_ms"`
}

// UDPClientConfig mirrors spec.md §6's UDP-client configuration table.
type UDPClientConfig struct {
	TargetHostname   string `mapstructure:"target_hostname"`
	TargetPort       int    `mapstructure:"target_port"`
	MaxSendQueueSize int    `mapstructure:"max_send_queue_size"`
}

// UDPServerConfig mirrors spec.md §6's UDP-server configuration table.
type UDPServerConfig struct {
	IPAddress        string `mapstructure:"ip_address"`
	Port              int    `mapstructure:"port"`
	MaxSendQueueSize  int    `mapstructure:"max_send_queue_size"`
	JoinMulticastGroup string `mapstructure:"join_multicast_group"`
}

// QUICConfig configures the QUIC domain-stack engine.
type QUICConfig struct {
	IPAddress        string `mapstructure:"ip_address"`
	Port              int    `mapstructure:"port"`
	MaxSendQueueSize  int    `mapstructure:"max_send_queue_size"`
	KeepAlivePeriodMS int    `mapstructure:"keep_alive_period_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/asyncnet.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix ASYNCNET and `.`/`-` are replaced
// with `_`. Example: ASYNCNET_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ASYNCNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("ASYNCNET_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("asyncnet")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".asyncnet"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
