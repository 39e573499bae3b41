package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/imdevinc/livesync-notify/internal/listener"
)

// LoadConfig loads and parses the configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses configuration JSON, applies defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in values left out of the file
func applyDefaults(config *Config) {
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.DefaultTransport == "" {
		config.DefaultTransport = TransportCouchDB
	}
	if config.CouchDB.Database == "" {
		config.CouchDB.Database = "notifications"
	}
	for i := range config.Folders {
		if config.Folders[i].ServerType == "" {
			config.Folders[i].ServerType = listener.Own.String()
		}
	}
}

// validateConfig performs validation on the loaded configuration
func validateConfig(config *Config) error {
	switch strings.ToLower(config.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logLevel '%s', must be one of: debug, info, warn, error", config.LogLevel)
	}

	switch config.DefaultTransport {
	case TransportCouchDB, TransportWebsocket:
	default:
		return fmt.Errorf("invalid defaultTransport '%s', must be one of: couchdb, websocket", config.DefaultTransport)
	}

	if len(config.Folders) == 0 {
		return fmt.Errorf("no folders configured")
	}

	identifiers := make(map[string]bool)
	for i, folder := range config.Folders {
		if folder.Identifier == "" {
			return fmt.Errorf("folder %d has no identifier", i)
		}
		if identifiers[folder.Identifier] {
			return fmt.Errorf("duplicate folder identifier: %s", folder.Identifier)
		}
		identifiers[folder.Identifier] = true

		if folder.Path == "" {
			return fmt.Errorf("folder %s has no path", folder.Identifier)
		}

		serverType, err := listener.ParseServerType(folder.ServerType)
		if err != nil {
			return fmt.Errorf("folder %s: %w", folder.Identifier, err)
		}
		if serverType == listener.Own && folder.Server == "" {
			return fmt.Errorf("folder %s has no server", folder.Identifier)
		}
	}

	if config.Websocket.SendRatePerSec < 0 {
		return fmt.Errorf("websocket sendRatePerSec must not be negative")
	}
	if hb := config.CouchDB.HeartbeatSeconds; hb != nil && *hb <= 0 {
		return fmt.Errorf("couchdb heartbeatSeconds must be positive")
	}

	return nil
}
