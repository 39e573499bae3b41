// Package folder watches a local directory and announces its changes on a
// listener. Remote changes for the folder are acknowledged back to it.
package folder

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/imdevinc/livesync-notify/internal/listener"
	"github.com/imdevinc/livesync-notify/internal/util"
)

const (
	// DefaultDebounce is how long a burst of file events is collected
	DefaultDebounce = 250 * time.Millisecond

	commandTimeout = 5 * time.Minute
)

// Notifier is the part of a listener a folder uses
type Notifier interface {
	Announce(announcement listener.Announcement) error
	DecrementChangesQueue() error
	Subscribe(h listener.Handler) (unsubscribe func())
	Connect()
	IsConnected() bool
	IsConnecting() bool
}

// Options configures a folder
type Options struct {
	Debounce time.Duration
	// Command runs in the folder directory for every remote change, with
	// LSN_FOLDER and LSN_MESSAGE set. Empty means log only.
	Command []string
}

// Folder binds a local directory to a notifier
type Folder struct {
	identifier string
	rootDir    string
	notifier   Notifier
	opts       Options
	watcher    *fsnotify.Watcher

	// Debouncing state
	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	// Remote changes waiting for the worker, in arrival order
	remoteMu    sync.Mutex
	remote      []listener.Announcement
	remoteReady chan struct{}

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a folder for the directory at path. The directory is created
// if missing; nothing is watched until Start.
func New(identifier, path string, notifier Notifier, opts Options) (*Folder, error) {
	if identifier == "" {
		return nil, fmt.Errorf("folder: identifier cannot be empty")
	}
	if path == "" {
		return nil, fmt.Errorf("folder %s: path cannot be empty", identifier)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("folder %s: failed to resolve path: %w", identifier, err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("folder %s: failed to create directory: %w", identifier, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("folder %s: failed to create watcher: %w", identifier, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Folder{
		identifier:  identifier,
		rootDir:     absPath,
		notifier:    notifier,
		opts:        opts,
		watcher:     watcher,
		pending:     make(map[string]struct{}),
		remoteReady: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Identifier returns the folder identifier
func (f *Folder) Identifier() string {
	return f.identifier
}

// Path returns the absolute directory path
func (f *Folder) Path() string {
	return f.rootDir
}

// Start watches the directory, subscribes to the notifier and connects it
func (f *Folder) Start() error {
	var startErr error
	f.startOnce.Do(func() {
		f.logInfo("Starting folder", "path", f.rootDir)

		if err := f.watchDirectoryTree(f.rootDir); err != nil {
			startErr = fmt.Errorf("failed to watch directory: %w", err)
			return
		}

		f.unsubscribe = f.notifier.Subscribe(listener.Handler{
			Connected: func() {
				f.logDebug("Notification server connected")
			},
			Disconnected: func() {
				f.logDebug("Notification server disconnected")
			},
			RemoteChange: f.handleRemoteChange,
		})

		f.wg.Add(2)
		go f.processEvents(f.ctx)
		go f.processRemoteChanges(f.ctx)

		if !f.notifier.IsConnected() && !f.notifier.IsConnecting() {
			f.notifier.Connect()
		}

		f.logInfo("Folder started")
	})

	return startErr
}

// Stop stops watching. Pending changes are dropped.
func (f *Folder) Stop() error {
	var stopErr error
	f.stopOnce.Do(func() {
		f.logInfo("Stopping folder")

		f.cancel()

		f.mu.Lock()
		if f.timer != nil {
			f.timer.Stop()
			f.timer = nil
		}
		f.pending = make(map[string]struct{})
		f.mu.Unlock()

		if f.unsubscribe != nil {
			f.unsubscribe()
		}

		stopErr = f.watcher.Close()
		f.wg.Wait()

		f.logInfo("Folder stopped")
	})

	return stopErr
}

// Announce announces a revision of the folder on the notifier
func (f *Folder) Announce(revision string) error {
	announcement, err := listener.NewAnnouncement(f.identifier, revision)
	if err != nil {
		return err
	}
	return f.notifier.Announce(announcement)
}

// watchDirectoryTree recursively adds all directories to the watcher.
func (f *Folder) watchDirectoryTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			// Skip hidden directories (starting with .)
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}

			if err := f.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			f.logDebug("Watching directory", "path", path)
		}

		return nil
	})
}

// processEvents handles file system events until the watcher closes
func (f *Folder) processEvents(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handleEvent(event)

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logError("Watcher error", "error", err)
		}
	}
}

// handleEvent records a single file system event for the next announcement
func (f *Folder) handleEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(f.rootDir, event.Name)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return
	}

	// Skip hidden files
	if strings.HasPrefix(filepath.Base(relPath), ".") {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := f.watchDirectoryTree(event.Name); err != nil {
				f.logError("Failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	if event.Op == fsnotify.Chmod {
		return
	}

	f.debounce(filepath.ToSlash(relPath))
}

// debounce collects a changed path and restarts the burst timer
func (f *Folder) debounce(relPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ctx.Err() != nil {
		return
	}

	f.pending[relPath] = struct{}{}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.opts.Debounce, f.flush)
}

// flush announces the paths collected during the last burst
func (f *Folder) flush() {
	f.mu.Lock()
	if len(f.pending) == 0 || f.ctx.Err() != nil {
		f.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(f.pending))
	for p := range f.pending {
		paths = append(paths, p)
	}
	f.pending = make(map[string]struct{})
	f.timer = nil
	f.mu.Unlock()

	revision := Revision(paths, time.Now())
	if err := f.Announce(revision); err != nil {
		f.logError("Failed to announce change", "error", err)
		return
	}
	f.logInfo("Announced local change", "revision", revision, "paths", len(paths))
}

// handleRemoteChange queues a change announced by another client for the
// worker. It runs on the transport's receive path and must not block.
func (f *Folder) handleRemoteChange(announcement listener.Announcement) {
	if announcement.FolderIdentifier != f.identifier {
		return
	}

	f.logInfo("Remote change", "revision", announcement.Message)

	f.remoteMu.Lock()
	f.remote = append(f.remote, announcement)
	f.remoteMu.Unlock()

	select {
	case f.remoteReady <- struct{}{}:
	default:
	}
}

// processRemoteChanges handles queued remote changes one at a time and
// acknowledges each to the notifier once processed
func (f *Folder) processRemoteChanges(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.remoteReady:
		}

		for {
			f.remoteMu.Lock()
			if len(f.remote) == 0 {
				f.remoteMu.Unlock()
				break
			}
			announcement := f.remote[0]
			f.remote = f.remote[1:]
			f.remoteMu.Unlock()

			if ctx.Err() != nil {
				return
			}
			f.processRemoteChange(announcement)
		}
	}
}

// processRemoteChange runs the command hook, then acknowledges the change
func (f *Folder) processRemoteChange(announcement listener.Announcement) {
	if len(f.opts.Command) > 0 {
		if err := f.runCommand(announcement); err != nil {
			f.logError("Remote change command failed", "error", err)
		}
	}

	if err := f.notifier.DecrementChangesQueue(); err != nil {
		f.logWarn("Failed to acknowledge remote change", "error", err)
	}
}

// runCommand runs the configured command for a remote change
func (f *Folder) runCommand(announcement listener.Announcement) error {
	ctx, cancel := context.WithTimeout(f.ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.opts.Command[0], f.opts.Command[1:]...)
	cmd.Dir = f.rootDir
	cmd.Env = append(os.Environ(),
		"LSN_FOLDER="+announcement.FolderIdentifier,
		"LSN_MESSAGE="+announcement.Message,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", f.opts.Command[0], err, strings.TrimSpace(string(output)))
	}
	f.logDebug("Remote change command finished", "command", f.opts.Command[0])
	return nil
}

// Revision derives the announced revision from a burst of changed paths
func Revision(paths []string, at time.Time) string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	return util.ComputeHashString(strings.Join(sorted, "\n") + "\n" + strconv.FormatInt(at.UnixNano(), 10))
}

// Logging helpers

func (f *Folder) logInfo(msg string, args ...any) {
	slog.Info(msg, append([]any{"folder", f.identifier}, args...)...)
}

func (f *Folder) logDebug(msg string, args ...any) {
	slog.Debug(msg, append([]any{"folder", f.identifier}, args...)...)
}

func (f *Folder) logWarn(msg string, args ...any) {
	slog.Warn(msg, append([]any{"folder", f.identifier}, args...)...)
}

func (f *Folder) logError(msg string, args ...any) {
	slog.Error(msg, append([]any{"folder", f.identifier}, args...)...)
}
