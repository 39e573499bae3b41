// Package hub ties configured folders to their notification listeners.
package hub

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/imdevinc/livesync-notify/internal/config"
	"github.com/imdevinc/livesync-notify/internal/folder"
	"github.com/imdevinc/livesync-notify/internal/listener"
	"github.com/imdevinc/livesync-notify/internal/storage"
)

// Hub owns the listener registry, the store and the folders
type Hub struct {
	registry *listener.Registry
	store    *storage.Store
	folders  []*folder.Folder
	mu       sync.RWMutex
	stopOnce sync.Once
}

// NewHub creates a new hub instance. store may be nil.
func NewHub(registry *listener.Registry, store *storage.Store) *Hub {
	return &Hub{
		registry: registry,
		store:    store,
		folders:  make([]*folder.Folder, 0),
	}
}

// Registry returns the listener registry
func (h *Hub) Registry() *listener.Registry {
	return h.registry
}

// RegisterFolder adds a folder to the hub
func (h *Hub) RegisterFolder(f *folder.Folder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.folders = append(h.folders, f)
	slog.Info("Folder registered",
		"folder", f.Identifier(),
		"path", f.Path(),
	)
}

// CreateFoldersFromConfig creates a folder per configuration entry, each
// bound to the listener of its server
func (h *Hub) CreateFoldersFromConfig(cfg *config.Config) error {
	for i, fc := range cfg.Folders {
		serverType, err := listener.ParseServerType(fc.ServerType)
		if err != nil {
			return fmt.Errorf("folder %d (%s): %w", i, fc.Identifier, err)
		}

		l, err := h.registry.GetOrCreate(fc.Server, fc.Identifier, serverType)
		if err != nil {
			return fmt.Errorf("failed to create listener for folder %s: %w", fc.Identifier, err)
		}

		f, err := folder.New(fc.Identifier, fc.Path, l, folder.Options{Command: fc.Command})
		if err != nil {
			return fmt.Errorf("failed to create folder %s: %w", fc.Identifier, err)
		}

		h.RegisterFolder(f)
	}

	return nil
}

// Start starts every folder, which connects its listener
func (h *Hub) Start() error {
	folders := h.Folders()

	slog.Info("Starting hub", "folders", len(folders), "listeners", len(h.registry.Listeners()))

	h.logCheckpoints()

	for _, f := range folders {
		if err := f.Start(); err != nil {
			return fmt.Errorf("failed to start folder %s: %w", f.Identifier(), err)
		}
	}

	slog.Info("Hub started successfully")
	return nil
}

// logCheckpoints reports the feed positions the transports resume from
func (h *Hub) logCheckpoints() {
	if h.store == nil {
		return
	}

	checkpoints, err := h.store.Checkpoints()
	if err != nil {
		slog.Warn("Failed to read checkpoints", "error", err)
		return
	}
	for key, seq := range checkpoints {
		slog.Info("Resuming from checkpoint", "key", key, "seq", seq)
	}
}

// Stop stops all folders, then disposes every listener
func (h *Hub) Stop() error {
	var stopErr error
	h.stopOnce.Do(func() {
		slog.Info("Stopping hub")

		var g errgroup.Group
		for _, f := range h.Folders() {
			g.Go(func() error {
				if err := f.Stop(); err != nil {
					slog.Error("Error stopping folder", "folder", f.Identifier(), "error", err)
					return fmt.Errorf("%s: %w", f.Identifier(), err)
				}
				return nil
			})
		}
		stopErr = g.Wait()

		if err := h.registry.Close(); err != nil {
			slog.Error("Error disposing listeners", "error", err)
			if stopErr == nil {
				stopErr = err
			}
		}

		slog.Info("Hub stopped")
	})
	return stopErr
}

// Folders returns all registered folders (thread-safe copy)
func (h *Hub) Folders() []*folder.Folder {
	h.mu.RLock()
	defer h.mu.RUnlock()

	folders := make([]*folder.Folder, len(h.folders))
	copy(folders, h.folders)
	return folders
}
