package util

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user config and data directories
const AppName = "livesync-notify"

// platformDir resolves a per-user base directory. winEnv and xdgEnv name the
// environment variables consulted on Windows and Linux/BSD; xdgFallback is
// joined to the home directory when xdgEnv is unset.
func platformDir(winEnv, winFallback, xdgEnv string, xdgFallback ...string) string {
	homeDir, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "windows":
		if dir := os.Getenv(winEnv); dir != "" {
			return dir
		}
		return filepath.Join(os.Getenv("USERPROFILE"), "AppData", winFallback)
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if dir := os.Getenv(xdgEnv); dir != "" {
			return dir
		}
		return filepath.Join(append([]string{homeDir}, xdgFallback...)...)
	}
}

// GetConfigDir returns the configuration directory
// Linux/BSD: $XDG_CONFIG_HOME/livesync-notify or ~/.config/livesync-notify
// macOS: ~/Library/Application Support/livesync-notify
// Windows: %APPDATA%/livesync-notify
func GetConfigDir() string {
	return filepath.Join(platformDir("APPDATA", "Roaming", "XDG_CONFIG_HOME", ".config"), AppName)
}

// GetDataDir returns the directory holding checkpoints and the client id
// Linux/BSD: $XDG_DATA_HOME/livesync-notify or ~/.local/share/livesync-notify
// macOS: ~/Library/Application Support/livesync-notify
// Windows: %LOCALAPPDATA%/livesync-notify
func GetDataDir() string {
	return filepath.Join(platformDir("LOCALAPPDATA", "Local", "XDG_DATA_HOME", ".local", "share"), AppName)
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// GetDefaultDBPath returns the default database file path
func GetDefaultDBPath() string {
	return filepath.Join(GetDataDir(), "notify.db")
}
