// Package config handles configuration loading, validation, and persistence
// for Framelink servers and clients.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultAPIPort       = 7080
	DefaultRelayPort     = 7000
	DefaultDiscoveryPort = 7001
	DefaultMaxPlayers    = 2

	// MaxPlayersLimit is the largest session capacity.
	MaxPlayersLimit = 250
)

// Config is the root configuration structure for Framelink.
type Config struct {
	mu   sync.RWMutex
	path string

	Session         SessionConfig   `json:"session"`
	Client          ClientConfig    `json:"client"`
	ApplicationData ApplicationData `json:"application_data"`
}

// SessionConfig configures a server session.
type SessionConfig struct {
	Identity      uint64 `json:"identity"`
	ServerName    string `json:"server_name"`
	Secure        bool   `json:"secure"`
	MaxPlayers    int    `json:"max_players"`
	ListenAddr    string `json:"listen_addr"`
	DiscoveryPort int    `json:"discovery_port"`

	TickRateHz        int  `json:"tick_rate_hz"`
	FrameIntervalMs   int  `json:"frame_interval_ms"`
	PendingTimeoutSec int  `json:"pending_timeout_sec"`
	EchoBroadcast     bool `json:"echo_broadcast"`
	ReceiveBatch      int  `json:"receive_batch"`
}

// TickInterval returns the session loop period.
func (s SessionConfig) TickInterval() time.Duration {
	return hzToInterval(s.TickRateHz)
}

// FrameInterval returns the snapshot flush period.
func (s SessionConfig) FrameInterval() time.Duration {
	return time.Duration(s.FrameIntervalMs) * time.Millisecond
}

// PendingTimeout returns how long an unauthenticated participant may stay
// pending. Zero disables the timeout.
func (s SessionConfig) PendingTimeout() time.Duration {
	return time.Duration(s.PendingTimeoutSec) * time.Second
}

// ClientConfig configures the demo client.
type ClientConfig struct {
	Identity       uint64 `json:"identity"`
	ServerURL      string `json:"server_url"`
	ServerIdentity uint64 `json:"server_identity"`
	ReceiveBatch   int    `json:"receive_batch"`
	TickRateHz     int    `json:"tick_rate_hz"`
	SendIntervalMs int    `json:"send_interval_ms"`
}

// TickInterval returns the client loop period.
func (c ClientConfig) TickInterval() time.Duration {
	return hzToInterval(c.TickRateHz)
}

// SendInterval returns the period between channel frames.
func (c ClientConfig) SendInterval() time.Duration {
	return time.Duration(c.SendIntervalMs) * time.Millisecond
}

func hzToInterval(hz int) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Second / time.Duration(hz)
}

// ApplicationData contains process-wide settings.
type ApplicationData struct {
	Auth    AuthConfig    `json:"auth"`
	MQTT    MQTTConfig    `json:"mqtt"`
	API     APIConfig     `json:"api"`
	Logging LoggingConfig `json:"logging"`

	Maintenance MaintenanceConfig `json:"maintenance"`
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	// PruneTime is the local "HH:MM" at which used tickets are pruned.
	PruneTime        string `json:"prune_time"`
	StatsIntervalMin int    `json:"stats_interval_min"`
}

// AuthConfig configures the local ticket authority.
type AuthConfig struct {
	Secret       string `json:"secret"`
	TicketTTLSec int    `json:"ticket_ttl_sec"`
	DatabasePath string `json:"database_path"`
}

// TicketTTL returns how long an issued ticket stays valid.
func (a AuthConfig) TicketTTL() time.Duration {
	return time.Duration(a.TicketTTLSec) * time.Second
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
}

// APIConfig holds status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AuthToken      string   `json:"auth_token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Identity:          90001,
			ServerName:        "Framelink Server",
			MaxPlayers:        DefaultMaxPlayers,
			ListenAddr:        fmt.Sprintf(":%d", DefaultRelayPort),
			DiscoveryPort:     DefaultDiscoveryPort,
			TickRateHz:        60,
			FrameIntervalMs:   50,
			PendingTimeoutSec: 30,
			EchoBroadcast:     true,
			ReceiveBatch:      128,
		},
		Client: ClientConfig{
			Identity:       10001,
			ServerURL:      fmt.Sprintf("ws://127.0.0.1:%d/relay", DefaultRelayPort),
			ServerIdentity: 90001,
			ReceiveBatch:   32,
			TickRateHz:     60,
			SendIntervalMs: 100,
		},
		ApplicationData: ApplicationData{
			Auth: AuthConfig{
				TicketTTLSec: 300,
				DatabasePath: filepath.Join("data", "tickets.db"),
			},
			MQTT: MQTTConfig{
				Enabled:   false,
				BrokerURL: "localhost",
				Port:      8883,
				UseTLS:    true,
			},
			API: APIConfig{
				Enabled:      true,
				Port:         DefaultAPIPort,
				RateLimitRPS: 100,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
				Console:    true,
			},
			Maintenance: MaintenanceConfig{
				PruneTime:        "04:00",
				StatsIntervalMin: 60,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file carries the ticket secret.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetSession returns a copy of the session configuration.
func (c *Config) GetSession() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// SetSession updates the session configuration.
func (c *Config) SetSession(s SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Session = s
}

// GetClient returns a copy of the client configuration.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// SetClient updates the client configuration.
func (c *Config) SetClient(cl ClientConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Client = cl
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateSessionField updates one session field by its JSON key.
func (c *Config) UpdateSessionField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.Session)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown session field %q", key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	next := c.Session
	if err := json.Unmarshal(updated, &next); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Session = next
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData.Auth.Secret == ""
}
