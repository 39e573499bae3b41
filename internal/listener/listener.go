package listener

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ServerType selects where notifications are exchanged
type ServerType int

const (
	// Own uses the server address supplied by the user
	Own ServerType = iota

	// Central uses the shared fallback notification server
	Central
)

func (t ServerType) String() string {
	switch t {
	case Own:
		return "own"
	case Central:
		return "central"
	default:
		return fmt.Sprintf("ServerType(%d)", int(t))
	}
}

// ParseServerType converts a configuration value into a ServerType.
// The empty string means Own.
func ParseServerType(s string) (ServerType, error) {
	switch s {
	case "", "own":
		return Own, nil
	case "central":
		return Central, nil
	default:
		return Own, fmt.Errorf("unknown server type '%s', must be one of: own, central", s)
	}
}

// Listener is a persistent connection to a notification server. It queues
// announcements made while disconnected and counts remote changes until
// they are acknowledged.
type Listener struct {
	server     string
	serverType ServerType
	channel    Channel

	mu            sync.Mutex
	channels      map[string]struct{} // folder identifiers
	announceQueue []Announcement
	changesQueue  int
	connecting    bool
	connected     bool

	subMu       sync.RWMutex
	subscribers map[int]Handler
	nextSubID   int
}

// newListener creates a listener and its channel. The channel is built by
// factory with the listener as its event sink.
func newListener(server, folderIdentifier string, serverType ServerType, factory ChannelFactory) (*Listener, error) {
	l := &Listener{
		server:      server,
		serverType:  serverType,
		channels:    map[string]struct{}{folderIdentifier: {}},
		subscribers: make(map[int]Handler),
	}

	channel, err := factory(server, folderIdentifier, l)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel for %s: %w", server, err)
	}
	l.channel = channel

	return l, nil
}

// Server returns the resolved server address
func (l *Listener) Server() string {
	return l.server
}

// ServerType returns the type this listener was created with
func (l *Listener) ServerType() ServerType {
	return l.serverType
}

// ChangesQueue returns the number of remote changes not yet acknowledged
func (l *Listener) ChangesQueue() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changesQueue
}

// IsConnecting reports whether a connection attempt is in progress
func (l *Listener) IsConnecting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connecting
}

// IsConnected reports whether announcements are currently sent right away
func (l *Listener) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// QueueLength returns the number of announcements waiting for a connection
func (l *Listener) QueueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.announceQueue)
}

// Folders returns the registered folder identifiers, sorted
func (l *Listener) Folders() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	folders := make([]string, 0, len(l.channels))
	for f := range l.channels {
		folders = append(folders, f)
	}
	sort.Strings(folders)
	return folders
}

// Connect asks the channel to connect unless it is already connected or connecting
func (l *Listener) Connect() {
	l.mu.Lock()
	if l.connected || l.connecting {
		l.mu.Unlock()
		return
	}
	l.connecting = true
	l.mu.Unlock()

	l.logInfo("Connecting")
	l.channel.Connect()
}

// Announce sends the announcement if connected, otherwise queues it until
// the next successful connection. It never blocks waiting for a connection.
// Announcements left queued by an earlier failed send go out first.
func (l *Listener) Announce(announcement Announcement) error {
	if !announcement.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAnnouncement, announcement.String())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.announceQueue = append(l.announceQueue, announcement)

	if !l.connected {
		l.logDebug("Not connected, queuing announcement", "folder", announcement.FolderIdentifier, "queued", len(l.announceQueue))
		return nil
	}

	l.logDebug("Announcing", "folder", announcement.FolderIdentifier)
	l.flushLocked()
	return nil
}

// flushLocked sends queued announcements in order and stops at the first
// failure. The failed announcement and everything behind it stay queued and
// are retried by the next Announce or OnConnected. Connection state is left
// to the channel, which reports a broken connection through OnDisconnected.
// l.mu must be held.
func (l *Listener) flushLocked() {
	for len(l.announceQueue) > 0 {
		announcement := l.announceQueue[0]
		if err := l.channel.Send(announcement); err != nil {
			l.logWarn("Send failed, keeping announcement queued",
				"folder", announcement.FolderIdentifier,
				"queued", len(l.announceQueue),
				"error", err,
			)
			return
		}
		l.announceQueue = l.announceQueue[1:]
	}
	l.announceQueue = nil
}

// AlsoListenTo registers interest in another folder on the same connection.
// Registering a folder twice is a no-op.
func (l *Listener) AlsoListenTo(folderIdentifier string) {
	l.mu.Lock()
	if _, ok := l.channels[folderIdentifier]; ok {
		l.mu.Unlock()
		return
	}
	l.channels[folderIdentifier] = struct{}{}
	l.mu.Unlock()

	l.logDebug("Also listening to folder", "folder", folderIdentifier)
	l.channel.AlsoListenTo(folderIdentifier)
}

// DecrementChangesQueue acknowledges one processed remote change
func (l *Listener) DecrementChangesQueue() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.changesQueue == 0 {
		return ErrChangesQueueEmpty
	}
	l.changesQueue--
	return nil
}

// OnConnected delivers queued announcements in order and notifies subscribers.
// Announce calls racing with the drain wait for it and are sent afterwards.
// Connected is raised after the drain, not before, so an announcement made
// from a Connected handler is sent behind everything queued earlier.
func (l *Listener) OnConnected() {
	l.mu.Lock()
	l.connecting = false
	l.connected = true

	if n := len(l.announceQueue); n > 0 {
		l.logInfo("Delivering queued announcements", "count", n)
	}
	l.flushLocked()
	l.mu.Unlock()

	l.logInfo("Connected")
	l.emit(func(h Handler) {
		if h.Connected != nil {
			h.Connected()
		}
	})
}

// OnDisconnected marks the listener disconnected. Queued announcements are kept.
func (l *Listener) OnDisconnected() {
	l.mu.Lock()
	l.connecting = false
	l.connected = false
	queued := len(l.announceQueue)
	l.mu.Unlock()

	l.logInfo("Disconnected", "queued", queued)
	l.emit(func(h Handler) {
		if h.Disconnected != nil {
			h.Disconnected()
		}
	})
}

// OnRemoteChange counts the change and passes it to subscribers
func (l *Listener) OnRemoteChange(announcement Announcement) {
	l.mu.Lock()
	l.changesQueue++
	l.mu.Unlock()

	l.logInfo("Got remote change", "folder", announcement.FolderIdentifier)
	l.emit(func(h Handler) {
		if h.RemoteChange != nil {
			h.RemoteChange(announcement)
		}
	})
}

// Subscribe adds a subscriber and returns a function that removes it
func (l *Listener) Subscribe(h Handler) (unsubscribe func()) {
	l.subMu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = h
	l.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subscribers, id)
			l.subMu.Unlock()
		})
	}
}

// emit calls fn for every subscriber outside of any lock
func (l *Listener) emit(fn func(Handler)) {
	l.subMu.RLock()
	handlers := make([]Handler, 0, len(l.subscribers))
	for _, h := range l.subscribers {
		handlers = append(handlers, h)
	}
	l.subMu.RUnlock()

	for _, h := range handlers {
		fn(h)
	}
}

// Dispose releases the underlying channel
func (l *Listener) Dispose() error {
	l.logInfo("Disposing listener")
	return l.channel.Dispose()
}

// Logging helpers

func (l *Listener) logInfo(msg string, args ...any) {
	slog.Info(msg, append([]any{"server", l.server}, args...)...)
}

func (l *Listener) logDebug(msg string, args ...any) {
	slog.Debug(msg, append([]any{"server", l.server}, args...)...)
}

func (l *Listener) logWarn(msg string, args ...any) {
	slog.Warn(msg, append([]any{"server", l.server}, args...)...)
}
