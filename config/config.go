// Package config handles configuration persistence for tuyalink.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded once at startup and
// passed into constructors. Nothing in this package holds mutable global
// state; components receive the values they need explicitly.
type Config struct {
	Namespace string `yaml:"namespace"` // Instance namespace for topic/key isolation

	// Reactor and session tunables.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // Non-blocking connect retry interval
	CommandTimeout time.Duration `yaml:"command_timeout"` // Per-command response deadline
	DiscoveryPort  int           `yaml:"discovery_port"`  // UDP broadcast port
	DevicePort     int           `yaml:"device_port"`     // TCP device port
	InventoryPath  string        `yaml:"inventory_path"`  // devices.json location

	// Logging.
	LogFile     string `yaml:"log_file,omitempty"`     // Hex-dump log path ("" = disabled)
	DebugFilter string `yaml:"debug_filter,omitempty"` // Comma-separated tag filter ("" = all)

	MQTT   []MQTTConfig   `yaml:"mqtt,omitempty"`
	Kafka  []KafkaConfig  `yaml:"kafka,omitempty"`
	Valkey []ValkeyConfig `yaml:"valkey,omitempty"`
	API    APIConfig      `yaml:"api,omitempty"`
}

// MQTTConfig configures one MQTT bridge connection.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	UseTLS    bool   `yaml:"use_tls,omitempty"`
	RootTopic string `yaml:"root_topic"`
}

// KafkaConfig configures one Kafka bridge connection.
type KafkaConfig struct {
	Name         string   `yaml:"name"`
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	RequiredAcks int      `yaml:"required_acks,omitempty"` // 0, 1, or -1 (all)
	MaxRetries   int      `yaml:"max_retries,omitempty"`
}

// ValkeyConfig configures one Valkey/Redis bridge connection.
type ValkeyConfig struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"` // host:port
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database,omitempty"`
	UseTLS   bool          `yaml:"use_tls,omitempty"`
	KeyTTL   time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
}

// APIConfig configures the control API surface.
type APIConfig struct {
	Enabled       bool         `yaml:"enabled"`
	Listen        string       `yaml:"listen"` // e.g. "127.0.0.1:8866"
	SessionSecret string       `yaml:"session_secret,omitempty"`
	Users         []UserConfig `yaml:"users,omitempty"`
}

// UserConfig is one control-API account. PasswordHash is bcrypt.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tuyalink.yaml"
	}
	return filepath.Join(home, ".config", "tuyalink", "config.yaml")
}

// DefaultConfig returns a Config populated with every default tunable.
func DefaultConfig() *Config {
	return &Config{
		Namespace:      "tuyalink",
		ReconnectDelay: 3000 * time.Millisecond,
		CommandTimeout: 3000 * time.Millisecond,
		DiscoveryPort:  6667,
		DevicePort:     6668,
		InventoryPath:  filepath.Join("tinytuya", "devices.json"),
		API: APIConfig{
			Listen: "127.0.0.1:8866",
		},
	}
}

// Load reads the YAML configuration at path. A missing file is non-fatal
// and yields defaults, matching the inventory loader's policy. A session
// secret is generated on first load so the control API can issue cookies.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3000 * time.Millisecond
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3000 * time.Millisecond
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = 6667
	}
	if cfg.DevicePort == 0 {
		cfg.DevicePort = 6668
	}

	if cfg.API.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.API.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path) // Best-effort save
	}

	return cfg, nil
}

// Save writes the configuration to path, creating parent directories as
// needed. Written with 0600 since the file carries broker credentials.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// DebugTags splits DebugFilter into the set of enabled tags, or nil when
// every tag is enabled.
func (c *Config) DebugTags() []string {
	if c.DebugFilter == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(c.DebugFilter, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
