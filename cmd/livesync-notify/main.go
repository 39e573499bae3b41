package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/imdevinc/livesync-notify/internal/config"
	"github.com/imdevinc/livesync-notify/internal/hub"
	"github.com/imdevinc/livesync-notify/internal/listener"
	"github.com/imdevinc/livesync-notify/internal/storage"
	"github.com/imdevinc/livesync-notify/internal/transport/couchdbchan"
	"github.com/imdevinc/livesync-notify/internal/transport/wschan"
	"github.com/imdevinc/livesync-notify/internal/util"
)

const (
	envConfigKey = "LSN_CONFIG"
	envDBKey     = "LSN_DATA"
)

var (
	// version is set via ldflags during build
	version = "dev"
)

func main() {
	// Parse CLI flags
	configPath := flag.String("config", "", "Path to configuration file (overrides default)")
	dbPath := flag.String("db", "", "Path to database file (overrides default)")
	reset := flag.Bool("reset", false, "Reset persistent storage (checkpoints and client id)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("livesync-notify version %s\n", version)
		os.Exit(0)
	}

	// Precedence: CLI flag > env var > XDG default
	finalConfigPath := resolvePath(*configPath, envConfigKey, util.GetDefaultConfigPath)
	finalDBPath := resolvePath(*dbPath, envDBKey, util.GetDefaultDBPath)

	// Load configuration before logging is set up so the level applies from the start
	cfg, err := config.LoadConfig(finalConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration %s: %v\n", finalConfigPath, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("LiveSync Notify is starting...", "version", version)
	slog.Info("Configuration", "path", finalConfigPath, "folders", len(cfg.Folders))
	slog.Info("Database", "path", finalDBPath)

	// Initialize persistent storage
	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewStore(finalDBPath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if *reset {
		slog.Warn("Reset flag detected - clearing all persistent storage")
		if err := store.Clear(); err != nil {
			slog.Error("Failed to clear storage", "error", err)
			os.Exit(1)
		}
		slog.Info("Persistent storage cleared successfully")
	}

	clientID, err := store.ClientID()
	if err != nil {
		slog.Error("Failed to load client id", "error", err)
		os.Exit(1)
	}

	for _, f := range cfg.Folders {
		slog.Info("Folder configured",
			"identifier", f.Identifier,
			"path", f.Path,
			"server", f.Server,
			"serverType", f.ServerType,
		)
	}

	registry := listener.NewRegistry(cfg.DefaultScheme())

	couchdbFactory := couchdbchan.NewFactory(couchdbchan.Options{
		Database:   cfg.CouchDB.Database,
		Username:   cfg.CouchDB.Username,
		Password:   cfg.CouchDB.Password,
		Passphrase: cfg.CouchDB.Passphrase,
		Heartbeat:  cfg.CouchDB.Heartbeat(),
		ClientID:   clientID,
		Store:      store,
	})
	registry.RegisterTransport("http", couchdbFactory)
	registry.RegisterTransport("https", couchdbFactory)

	wsFactory := wschan.NewFactory(wschan.Options{
		Path:           cfg.Websocket.Path,
		SendRatePerSec: cfg.Websocket.SendRatePerSec,
		Passphrase:     cfg.Websocket.Passphrase,
	})
	registry.RegisterTransport("ws", wsFactory)
	registry.RegisterTransport("wss", wsFactory)

	h := hub.NewHub(registry, store)

	if err := h.CreateFoldersFromConfig(cfg); err != nil {
		slog.Error("Failed to create folders", "error", err)
		h.Stop()
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := h.Start(); err != nil {
		slog.Error("Failed to start hub", "error", err)
		h.Stop()
		os.Exit(1)
	}

	fmt.Println("\nLiveSync Notify started successfully!")
	fmt.Println("Press Ctrl+C to stop")

	<-sigChan
	slog.Info("Shutdown signal received")

	if err := h.Stop(); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("LiveSync Notify stopped gracefully")
}

// resolvePath picks the flag value, then the environment variable, then the default
func resolvePath(flagValue, envKey string, defaultPath func() string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv(envKey); envPath != "" {
		return envPath
	}
	return defaultPath()
}
