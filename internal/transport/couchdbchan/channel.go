// Package couchdbchan exchanges announcements through a CouchDB database.
// Each announcement is a document; remote changes arrive on the changes feed.
package couchdbchan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imdevinc/livesync-notify/internal/listener"
	"github.com/imdevinc/livesync-notify/internal/storage"
	"github.com/imdevinc/livesync-notify/internal/transport"
	"github.com/imdevinc/livesync-notify/internal/util"
	"github.com/imdevinc/livesync-notify/pkg/couchdb"
)

const (
	// DefaultPort is used for servers given as a bare host
	DefaultPort = "5984"

	// DocTypeAnnouncement marks announcement documents
	DocTypeAnnouncement = "announcement"

	docIDPrefix   = "announce:"
	sendTimeout   = 10 * time.Second
	seenCacheSize = 1024
	sinceNow      = "now"
)

// Options configures the CouchDB channel
type Options struct {
	Database   string
	Username   string
	Password   string
	Passphrase string        // Encrypts messages when set
	Heartbeat  time.Duration // Changes feed heartbeat
	ClientID   string        // Identifies our own announcements on the feed
	Store      *storage.Store
}

// AnnouncementDocument is the stored form of an announcement
type AnnouncementDocument struct {
	ID        string `json:"_id"`
	Rev       string `json:"_rev,omitempty"`
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
	Encrypted bool   `json:"encrypted,omitempty"`
	Origin    string `json:"origin"`
	Time      int64  `json:"time"`
}

// database is the part of the CouchDB client the channel uses
type database interface {
	Put(ctx context.Context, id string, doc interface{}) (string, error)
	Changes(ctx context.Context, opts couchdb.ChangesOptions) (<-chan couchdb.Change, <-chan error)
	Close() error
}

// Channel implements listener.Channel on top of a CouchDB changes feed
type Channel struct {
	server string
	url    string
	opts   Options
	events listener.Events
	cipher *transport.Cipher
	subs   *transport.Subscriptions
	sent   *util.SeenSet
	dial   func(ctx context.Context) (database, error)

	mu         sync.RWMutex
	client     database
	cancelFeed context.CancelFunc // ends the current feed session
	connected  bool
	running    bool

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	disposeOnce sync.Once
}

// NewFactory returns a listener.ChannelFactory creating CouchDB channels
func NewFactory(opts Options) listener.ChannelFactory {
	return func(server, folderIdentifier string, events listener.Events) (listener.Channel, error) {
		return New(server, folderIdentifier, events, opts)
	}
}

// New creates a CouchDB channel for server. Nothing is contacted until Connect.
func New(server, folderIdentifier string, events listener.Events, opts Options) (*Channel, error) {
	if opts.Database == "" {
		return nil, fmt.Errorf("couchdb channel %s: database is required", server)
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 30 * time.Second
	}

	u, err := util.ServerURL(server, "http", DefaultPort)
	if err != nil {
		return nil, fmt.Errorf("couchdb channel: %w", err)
	}

	sent, err := util.NewSeenSet(seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("couchdb channel %s: failed to create cache: %w", server, err)
	}

	var c *transport.Cipher
	if opts.Passphrase != "" {
		c, err = transport.NewCipher(opts.Passphrase, opts.Database)
		if err != nil {
			return nil, fmt.Errorf("couchdb channel %s: %w", server, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	ch := &Channel{
		server: server,
		url:    u.String(),
		opts:   opts,
		events: events,
		cipher: c,
		subs:   transport.NewSubscriptions(folderIdentifier),
		sent:   sent,
		ctx:    ctx,
		cancel: cancel,
	}
	ch.dial = ch.dialCouchDB
	return ch, nil
}

// dialCouchDB opens the notification database, creating it when missing
func (c *Channel) dialCouchDB(ctx context.Context) (database, error) {
	client, err := couchdb.NewClient(ctx, couchdb.Config{
		URL:             c.url,
		Username:        c.opts.Username,
		Password:        c.opts.Password,
		Database:        c.opts.Database,
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Connect starts the changes feed loop. It reconnects with backoff until Dispose.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.ctx.Err() != nil {
		return
	}
	c.running = true

	c.wg.Add(1)
	go c.run(c.ctx)
}

// Send stores the announcement as a new document. A failed write ends the
// feed session, so the channel reports Disconnected and reconnects.
func (c *Channel) Send(announcement listener.Announcement) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return listener.ErrNotConnected
	}

	doc, err := c.encode(announcement)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()

	// remember before writing: the change may come back before Put returns
	c.sent.Add(doc.ID)
	if _, err := c.client.Put(ctx, doc.ID, doc); err != nil {
		c.logWarn("Failed to store announcement, restarting feed", "error", err)
		c.cancelFeed()
		return err
	}

	c.logDebug("Announced", "folder", announcement.FolderIdentifier, "id", doc.ID)
	return nil
}

// AlsoListenTo adds a folder to the set of channels accepted from the feed
func (c *Channel) AlsoListenTo(folderIdentifier string) {
	if name, added := c.subs.Add(folderIdentifier); added {
		c.logDebug("Listening to channel", "channel", name)
	}
}

// IsConnected reports whether the database is reachable
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Dispose stops the feed loop and closes the client
func (c *Channel) Dispose() error {
	var err error
	c.disposeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()

		c.mu.Lock()
		if c.client != nil {
			err = c.client.Close()
			c.client = nil
		}
		c.connected = false
		c.running = false
		c.mu.Unlock()
	})
	return err
}

// checkpointKey scopes the stored sequence to server and database
func (c *Channel) checkpointKey() string {
	return "couchdb:" + c.url + "/" + c.opts.Database
}

// run connects, follows the changes feed and reconnects with backoff
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	backoff := util.NewBackoff(util.ReconnectConfig(), true)

	for {
		if backoff.Attempt() > 0 {
			c.logInfo("Reconnecting", "attempt", backoff.Attempt())
		}

		if err := c.follow(ctx, backoff); err != nil {
			c.logError("Notification feed failed", "error", err)
		}

		if ctx.Err() != nil {
			c.logInfo("Notification feed stopped")
			return
		}

		if !backoff.Sleep(ctx) {
			c.logInfo("Notification feed stopped during backoff")
			return
		}
	}
}

// follow runs one connection: open the database, report Connected, consume
// the feed until it fails, report Disconnected.
func (c *Channel) follow(ctx context.Context, backoff *util.Backoff) error {
	var client database
	err := util.Retry(ctx, util.QuickRetryConfig(), func() error {
		var err error
		client, err = c.dial(ctx)
		return err
	}, nil)
	if err != nil {
		return err
	}

	since := sinceNow
	if c.opts.Store != nil {
		if seq, err := c.opts.Store.Checkpoint(c.checkpointKey()); err == nil && seq != "" {
			since = seq
		}
	}

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()

	changes, errs := client.Changes(feedCtx, couchdb.ChangesOptions{
		Since:       since,
		IncludeDocs: true,
		Continuous:  true,
		Heartbeat:   c.opts.Heartbeat,
	})

	c.mu.Lock()
	c.client = client
	c.cancelFeed = cancelFeed
	c.connected = true
	c.mu.Unlock()

	backoff.Reset()
	c.logInfo("Connected to notification database", "database", c.opts.Database, "since", since)
	c.events.OnConnected()

	defer func() {
		cancelFeed()

		c.mu.Lock()
		c.connected = false
		c.client = nil
		c.cancelFeed = nil
		c.mu.Unlock()
		client.Close()

		if ctx.Err() == nil {
			c.events.OnDisconnected()
		}
	}()

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return fmt.Errorf("changes feed closed")
			}
			c.handleChange(change)

		case err, ok := <-errs:
			if !ok {
				// errs closes together with changes; drain the rest there
				errs = nil
				continue
			}
			return err

		case <-feedCtx.Done():
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed restarted after failed write")
		}
	}
}

// handleChange checkpoints the sequence and raises RemoteChange for
// announcements from other clients on subscribed channels
func (c *Channel) handleChange(change couchdb.Change) {
	if c.opts.Store != nil && change.Seq != "" {
		if err := c.opts.Store.SetCheckpoint(c.checkpointKey(), change.Seq); err != nil {
			c.logWarn("Failed to save checkpoint", "error", err)
		}
	}

	if change.Deleted || change.Doc == nil {
		return
	}

	announcement, ok, err := c.decode(change.Doc)
	if err != nil {
		c.logDebug("Skipping document", "id", change.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	c.events.OnRemoteChange(announcement)
}

// encode builds the document stored for an announcement
func (c *Channel) encode(announcement listener.Announcement) (*AnnouncementDocument, error) {
	doc := &AnnouncementDocument{
		ID:      docIDPrefix + uuid.NewString(),
		Type:    DocTypeAnnouncement,
		Channel: util.ChannelName(announcement.FolderIdentifier),
		Message: announcement.Message,
		Origin:  c.opts.ClientID,
		Time:    time.Now().Unix(),
	}

	if c.cipher != nil {
		encrypted, err := c.cipher.Encrypt(announcement.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt announcement: %w", err)
		}
		doc.Message = encrypted
		doc.Encrypted = true
	}

	return doc, nil
}

// decode turns a feed document into an announcement. ok is false for
// documents that are not for us: other types, own echoes, unknown channels.
func (c *Channel) decode(raw map[string]interface{}) (announcement listener.Announcement, ok bool, err error) {
	docJSON, err := json.Marshal(raw)
	if err != nil {
		return announcement, false, err
	}

	var doc AnnouncementDocument
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return announcement, false, err
	}

	if doc.Type != DocTypeAnnouncement {
		return announcement, false, nil
	}
	if c.sent.Seen(doc.ID) || (doc.Origin != "" && doc.Origin == c.opts.ClientID) {
		return announcement, false, nil
	}

	folder, known := c.subs.Folder(doc.Channel)
	if !known {
		return announcement, false, nil
	}

	message := doc.Message
	if doc.Encrypted {
		if c.cipher == nil {
			return announcement, false, fmt.Errorf("encrypted announcement but no passphrase configured")
		}
		if message, err = c.cipher.Decrypt(doc.Message); err != nil {
			return announcement, false, fmt.Errorf("failed to decrypt announcement: %w", err)
		}
	}

	announcement, err = listener.NewAnnouncement(folder, message)
	if err != nil {
		return announcement, false, err
	}
	return announcement, true, nil
}

// Logging helpers

func (c *Channel) logInfo(msg string, args ...any) {
	slog.Info(msg, append([]any{"transport", "couchdb", "server", c.server}, args...)...)
}

func (c *Channel) logDebug(msg string, args ...any) {
	slog.Debug(msg, append([]any{"transport", "couchdb", "server", c.server}, args...)...)
}

func (c *Channel) logWarn(msg string, args ...any) {
	slog.Warn(msg, append([]any{"transport", "couchdb", "server", c.server}, args...)...)
}

func (c *Channel) logError(msg string, args ...any) {
	slog.Error(msg, append([]any{"transport", "couchdb", "server", c.server}, args...)...)
}
