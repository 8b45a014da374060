package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/codefionn/stenobridge/internal/consts"
)

// Config represents daemon configuration
type Config struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	CredentialPath string   `json:"credential_path"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`

	MaxConnections    int `json:"max_connections"`
	OutboundQueueSize int `json:"outbound_queue_size"`
	EventBufferSize   int `json:"event_buffer_size"`
	CallQueueSize     int `json:"call_queue_size"`

	IdleTimeoutSeconds       int `json:"idle_timeout_seconds"`
	ChallengeTTLSeconds      int `json:"challenge_ttl_seconds"`
	DrainGraceSeconds        int `json:"drain_grace_seconds"`
	AuthFailureBurst         int `json:"auth_failure_burst"`
	AuthFailureRefillSeconds int `json:"auth_failure_refill_seconds"`

	Dictionaries []string `json:"dictionaries,omitempty"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "stenobridge")
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "stenobridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "stenobridge")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "stenobridge")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "stenobridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "stenobridge")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "stenobridge")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "stenobridge")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "stenobridge")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	configDir := defaultConfigDir()
	stateDir := defaultStateDir()

	return &Config{
		Host:                     consts.DefaultHost,
		Port:                     consts.DefaultPort,
		CredentialPath:           filepath.Join(configDir, "credential.json"),
		MaxConnections:           consts.DefaultMaxConnections,
		OutboundQueueSize:        consts.DefaultOutboundQueue,
		EventBufferSize:          consts.DefaultEventBuffer,
		CallQueueSize:            consts.DefaultCallQueue,
		IdleTimeoutSeconds:       int(consts.DefaultIdleTimeout / time.Second),
		ChallengeTTLSeconds:      int(consts.DefaultChallengeTTL / time.Second),
		DrainGraceSeconds:        int(consts.DefaultDrainGrace / time.Second),
		AuthFailureBurst:         consts.DefaultFailureBurst,
		AuthFailureRefillSeconds: int(consts.DefaultFailureRefill / time.Second),
		LogLevel:                 "info",
		LogPath:                  filepath.Join(stateDir, "stenobridge.log"),
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// Start with default config
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Ensure critical fields have defaults if still empty
	if config.Host == "" {
		config.Host = consts.DefaultHost
	}
	if config.Port <= 0 {
		config.Port = consts.DefaultPort
	}
	if config.CredentialPath == "" {
		config.CredentialPath = filepath.Join(defaultConfigDir(), "credential.json")
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = consts.DefaultMaxConnections
	}
	if config.OutboundQueueSize <= 0 {
		config.OutboundQueueSize = consts.DefaultOutboundQueue
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = consts.DefaultEventBuffer
	}
	if config.CallQueueSize <= 0 {
		config.CallQueueSize = consts.DefaultCallQueue
	}
	if config.IdleTimeoutSeconds <= 0 {
		config.IdleTimeoutSeconds = int(consts.DefaultIdleTimeout / time.Second)
	}
	if config.ChallengeTTLSeconds <= 0 {
		config.ChallengeTTLSeconds = int(consts.DefaultChallengeTTL / time.Second)
	}
	if config.DrainGraceSeconds <= 0 {
		config.DrainGraceSeconds = int(consts.DefaultDrainGrace / time.Second)
	}
	if config.AuthFailureBurst <= 0 {
		config.AuthFailureBurst = consts.DefaultFailureBurst
	}
	if config.AuthFailureRefillSeconds <= 0 {
		config.AuthFailureRefillSeconds = int(consts.DefaultFailureRefill / time.Second)
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "stenobridge.log")
	}

	return config, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether both TLS inputs are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// IdleTimeout returns the idle connection reclaim threshold.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ChallengeTTL returns the handshake answer window.
func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSeconds) * time.Second
}

// DrainGrace returns the shutdown flush bound.
func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceSeconds) * time.Second
}

// AuthFailureRefill returns how long an origin takes to earn back one
// failed handshake attempt.
func (c *Config) AuthFailureRefill() time.Duration {
	return time.Duration(c.AuthFailureRefillSeconds) * time.Second
}

// AddDictionary appends a dictionary path if not already present.
func (c *Config) AddDictionary(path string) {
	for _, existing := range c.Dictionaries {
		if existing == path {
			return
		}
	}
	c.Dictionaries = append(c.Dictionaries, path)
}
