package config

import (
	"log/slog"
	"strings"
	"time"
)

// Transport names accepted by defaultTransport
const (
	TransportCouchDB   = "couchdb"
	TransportWebsocket = "websocket"
)

// Config represents the overall configuration for LiveSync Notify
type Config struct {
	LogLevel         string        `json:"logLevel,omitempty"`
	DefaultTransport string        `json:"defaultTransport,omitempty"`
	Folders          []FolderConf  `json:"folders"`
	CouchDB          CouchDBConf   `json:"couchdb"`
	Websocket        WebsocketConf `json:"websocket"`
}

// FolderConf binds a local directory to a notification server
type FolderConf struct {
	Identifier string `json:"identifier"`
	Path       string `json:"path"`
	Server     string `json:"server,omitempty"`
	ServerType string `json:"serverType,omitempty"` // "own" (default) or "central"

	// Command runs in Path for every remote change, e.g. ["git", "pull"]
	Command []string `json:"command,omitempty"`
}

// CouchDBConf configures the CouchDB notification transport
type CouchDBConf struct {
	Database         string `json:"database"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	Passphrase       string `json:"passphrase,omitempty"`
	HeartbeatSeconds *int   `json:"heartbeatSeconds,omitempty"`
}

// Heartbeat returns the changes feed heartbeat interval
func (c CouchDBConf) Heartbeat() time.Duration {
	if c.HeartbeatSeconds == nil {
		return 0
	}
	return time.Duration(*c.HeartbeatSeconds) * time.Second
}

// WebsocketConf configures the websocket notification transport
type WebsocketConf struct {
	Path           string `json:"path,omitempty"`
	SendRatePerSec int    `json:"sendRatePerSec,omitempty"`
	Passphrase     string `json:"passphrase,omitempty"`
}

// SlogLevel maps logLevel to a slog level. Unknown values were rejected
// by validation, so anything else is info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultScheme is the URL scheme used for servers given as a bare host
func (c *Config) DefaultScheme() string {
	if c.DefaultTransport == TransportWebsocket {
		return "ws"
	}
	return "http"
}
