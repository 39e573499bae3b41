// Package wschan exchanges announcements with a websocket relay using JSON frames.
package wschan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/imdevinc/livesync-notify/internal/listener"
	"github.com/imdevinc/livesync-notify/internal/transport"
	"github.com/imdevinc/livesync-notify/internal/util"
)

// Frame types
const (
	FrameSubscribe = "subscribe"
	FrameAnnounce  = "announce"
	FrameChange    = "change"
)

const (
	// DefaultPath is the relay endpoint used when the server has no path
	DefaultPath = "/notify"

	defaultSendRate = 20
	seenCacheSize   = 1024
)

// Frame is one message on the wire
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel"`
	Message string `json:"message,omitempty"`
}

// Options configures the websocket channel
type Options struct {
	Path           string        // Endpoint path for bare host servers
	SendRatePerSec int           // Outgoing announcement rate, burst equals rate
	Passphrase     string        // Encrypts messages when set
	DialTimeout    time.Duration // Per dial attempt
	WriteTimeout   time.Duration
	PingInterval   time.Duration // Keepalive; reads time out after twice this
}

// Channel implements listener.Channel over a websocket
type Channel struct {
	server  string
	url     string
	opts    Options
	events  listener.Events
	cipher  *transport.Cipher
	subs    *transport.Subscriptions
	seen    *util.SeenSet // frame ids sent or received
	limiter *rate.Limiter

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	running   bool

	writeMu sync.Mutex

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	disposeOnce sync.Once
}

// NewFactory returns a listener.ChannelFactory creating websocket channels
func NewFactory(opts Options) listener.ChannelFactory {
	return func(server, folderIdentifier string, events listener.Events) (listener.Channel, error) {
		return New(server, folderIdentifier, events, opts)
	}
}

// New creates a websocket channel for server. Nothing is dialed until Connect.
func New(server, folderIdentifier string, events listener.Events, opts Options) (*Channel, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.SendRatePerSec <= 0 {
		opts.SendRatePerSec = defaultSendRate
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}

	u, err := util.ServerURL(server, "ws", "")
	if err != nil {
		return nil, fmt.Errorf("websocket channel: %w", err)
	}
	if u.Path == "" {
		u.Path = opts.Path
	}

	seen, err := util.NewSeenSet(seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("websocket channel %s: failed to create cache: %w", server, err)
	}

	var c *transport.Cipher
	if opts.Passphrase != "" {
		c, err = transport.NewCipher(opts.Passphrase, u.Host)
		if err != nil {
			return nil, fmt.Errorf("websocket channel %s: %w", server, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		server:  server,
		url:     u.String(),
		opts:    opts,
		events:  events,
		cipher:  c,
		subs:    transport.NewSubscriptions(folderIdentifier),
		seen:    seen,
		limiter: rate.NewLimiter(rate.Limit(opts.SendRatePerSec), opts.SendRatePerSec),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect starts the dial/read loop. It reconnects with backoff until Dispose.
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

// Send writes an announce frame. It waits for the rate limiter at most
// WriteTimeout. Any failure closes the connection, so the session reconnects
// and raises Connected again.
func (c *Channel) Send(announcement listener.Announcement) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return listener.ErrNotConnected
	}

	if err := c.send(conn, announcement); err != nil {
		// the read loop then fails, reports Disconnected and reconnects
		conn.Close()
		return err
	}

	c.logDebug("Announced", "folder", announcement.FolderIdentifier)
	return nil
}

// send paces, encrypts and writes one announce frame
func (c *Channel) send(conn *websocket.Conn, announcement listener.Announcement) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}

	message := announcement.Message
	if c.cipher != nil {
		encrypted, err := c.cipher.Encrypt(message)
		if err != nil {
			return fmt.Errorf("failed to encrypt announcement: %w", err)
		}
		message = encrypted
	}

	frame := Frame{
		Type:    FrameAnnounce,
		ID:      ulid.Make().String(),
		Channel: util.ChannelName(announcement.FolderIdentifier),
		Message: message,
	}
	c.seen.Add(frame.ID)

	return c.write(conn, frame)
}

// AlsoListenTo subscribes to another folder, right away if connected and
// again after every reconnect
func (c *Channel) AlsoListenTo(folderIdentifier string) {
	name, added := c.subs.Add(folderIdentifier)
	if !added {
		return
	}

	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return
	}
	if err := c.write(conn, Frame{Type: FrameSubscribe, Channel: name}); err != nil {
		// the read loop notices the broken connection and resubscribes after reconnect
		c.logWarn("Failed to subscribe", "channel", name, "error", err)
	}
}

// IsConnected reports whether the websocket is open
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Dispose closes the connection and stops reconnecting
func (c *Channel) Dispose() error {
	c.disposeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()
	})
	return nil
}

// write serializes writers; gorilla allows one concurrent writer per connection
func (c *Channel) write(conn *websocket.Conn, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteJSON(frame)
}

// run dials, reads until the connection breaks and reconnects with backoff
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	backoff := util.NewBackoff(util.ReconnectConfig(), true)

	for {
		if backoff.Attempt() > 0 {
			c.logInfo("Reconnecting", "attempt", backoff.Attempt())
		}

		if err := c.session(ctx, backoff); err != nil && ctx.Err() == nil {
			c.logError("Connection failed", "error", err)
		}

		if ctx.Err() != nil {
			c.logInfo("Websocket channel stopped")
			return
		}

		if !backoff.Sleep(ctx) {
			return
		}
	}
}

// session runs a single connection from dial to disconnect
func (c *Channel) session(ctx context.Context, backoff *util.Backoff) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	// folders added from here on subscribe themselves; a duplicate subscribe is harmless
	for _, name := range c.subs.Channels() {
		if err := c.write(conn, Frame{Type: FrameSubscribe, Channel: name}); err != nil {
			c.mu.Lock()
			c.conn = nil
			c.connected = false
			c.mu.Unlock()
			conn.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	backoff.Reset()
	c.logInfo("Connected", "url", c.url)
	c.events.OnConnected()

	sessionCtx, stopPing := context.WithCancel(ctx)
	go c.ping(sessionCtx, conn)

	err = c.readLoop(conn)

	stopPing()
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	conn.Close()

	if ctx.Err() == nil {
		c.events.OnDisconnected()
	}
	return err
}

// readLoop dispatches change frames until the connection fails
func (c *Channel) readLoop(conn *websocket.Conn) error {
	readTimeout := 2 * c.opts.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		announcement, ok, err := c.decode(frame)
		if err != nil {
			c.logDebug("Skipping frame", "id", frame.ID, "error", err)
			continue
		}
		if ok {
			c.events.OnRemoteChange(announcement)
		}
	}
}

// ping keeps the connection alive; WriteControl may run alongside other writers
func (c *Channel) ping(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logDebug("Ping failed", "error", err)
				return
			}
		}
	}
}

// decode turns a change frame into an announcement. ok is false for frames
// that are not for us: other types, duplicates, own echoes, unknown channels.
func (c *Channel) decode(frame Frame) (announcement listener.Announcement, ok bool, err error) {
	if frame.Type != FrameChange {
		return announcement, false, nil
	}
	if frame.ID != "" && c.seen.CheckAndAdd(frame.ID) {
		return announcement, false, nil
	}

	folder, known := c.subs.Folder(frame.Channel)
	if !known {
		return announcement, false, nil
	}

	message := frame.Message
	if c.cipher != nil {
		if message, err = c.cipher.Decrypt(frame.Message); err != nil {
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
	slog.Info(msg, append([]any{"transport", "websocket", "server", c.server}, args...)...)
}

func (c *Channel) logDebug(msg string, args ...any) {
	slog.Debug(msg, append([]any{"transport", "websocket", "server", c.server}, args...)...)
}

func (c *Channel) logWarn(msg string, args ...any) {
	slog.Warn(msg, append([]any{"transport", "websocket", "server", c.server}, args...)...)
}

func (c *Channel) logError(msg string, args ...any) {
	slog.Error(msg, append([]any{"transport", "websocket", "server", c.server}, args...)...)
}
