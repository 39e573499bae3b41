package wschan

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imdevinc/livesync-notify/internal/listener"
	"github.com/imdevinc/livesync-notify/internal/util"
)

// testRelay is a minimal relay: it records frames and forwards every
// announce as a change to all connections subscribed to its channel,
// including the sender.
type testRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*websocket.Conn]map[string]bool
	announces []Frame
	subscribe []string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{conns: make(map[*websocket.Conn]map[string]bool)}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

// Server returns the relay address in ws:// form
func (r *testRelay) Server() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + DefaultPath
}

func (r *testRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	r.mu.Lock()
	r.conns[conn] = make(map[string]bool)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		r.mu.Lock()
		switch frame.Type {
		case FrameSubscribe:
			r.conns[conn][frame.Channel] = true
			r.subscribe = append(r.subscribe, frame.Channel)
		case FrameAnnounce:
			r.announces = append(r.announces, frame)
			change := frame
			change.Type = FrameChange
			for other, channels := range r.conns {
				if channels[frame.Channel] {
					other.WriteJSON(change)
				}
			}
		}
		r.mu.Unlock()
	}
}

// DropAll closes every server side connection
func (r *testRelay) DropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		conn.Close()
	}
}

func (r *testRelay) Announces() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Frame, len(r.announces))
	copy(result, r.announces)
	return result
}

func (r *testRelay) Subscribed(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.subscribe {
		if c == channel {
			return true
		}
	}
	return false
}

// recordingEvents is a listener.Events that records what it receives
type recordingEvents struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	changes      []listener.Announcement
}

func (e *recordingEvents) OnConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected++
}

func (e *recordingEvents) OnDisconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected++
}

func (e *recordingEvents) OnRemoteChange(a listener.Announcement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, a)
}

func (e *recordingEvents) counts() (connected, disconnected, changes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected, e.disconnected, len(e.changes)
}

func (e *recordingEvents) Changes() []listener.Announcement {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]listener.Announcement, len(e.changes))
	copy(result, e.changes)
	return result
}

func newConnectedChannel(t *testing.T, relay *testRelay, folder string, opts Options) (*Channel, *recordingEvents) {
	t.Helper()
	events := &recordingEvents{}
	c, err := New(relay.Server(), folder, events, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Dispose() })

	c.Connect()
	require.Eventually(t, func() bool {
		connected, _, _ := events.counts()
		return connected > 0 && relay.Subscribed(util.ChannelName(folder))
	}, 5*time.Second, 10*time.Millisecond)
	return c, events
}

func TestNewURL(t *testing.T) {
	c, err := New("relay.example.com", "folderA", &recordingEvents{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.example.com/notify", c.url)

	c, err = New("wss://relay.example.com/custom", "folderA", &recordingEvents{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/custom", c.url)
}

func TestSendWhileDisconnected(t *testing.T) {
	c, err := New("relay.example.com", "folderA", &recordingEvents{}, Options{})
	require.NoError(t, err)

	err = c.Send(listener.Announcement{FolderIdentifier: "folderA", Message: "rev1"})
	assert.ErrorIs(t, err, listener.ErrNotConnected)
}

func TestAnnouncementReachesOtherClients(t *testing.T) {
	relay := newTestRelay(t)
	sender, senderEvents := newConnectedChannel(t, relay, "folderA", Options{})
	_, receiverEvents := newConnectedChannel(t, relay, "folderA", Options{})
	_, otherEvents := newConnectedChannel(t, relay, "folderB", Options{})

	require.NoError(t, sender.Send(listener.Announcement{FolderIdentifier: "folderA", Message: "rev1"}))

	require.Eventually(t, func() bool {
		return len(receiverEvents.Changes()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, listener.Announcement{FolderIdentifier: "folderA", Message: "rev1"}, receiverEvents.Changes()[0])

	// give the echo time to arrive before checking it was dropped
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, senderEvents.Changes(), "own announcement must not come back")
	assert.Empty(t, otherEvents.Changes())

	frames := relay.Announces()
	require.Len(t, frames, 1)
	assert.Equal(t, util.ChannelName("folderA"), frames[0].Channel)
	assert.NotEmpty(t, frames[0].ID)
}

func TestAlsoListenToAfterConnect(t *testing.T) {
	relay := newTestRelay(t)
	sender, _ := newConnectedChannel(t, relay, "folderB", Options{})
	receiver, receiverEvents := newConnectedChannel(t, relay, "folderA", Options{})

	receiver.AlsoListenTo("folderB")
	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		n := 0
		for _, c := range relay.subscribe {
			if c == util.ChannelName("folderB") {
				n++
			}
		}
		return n == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.Send(listener.Announcement{FolderIdentifier: "folderB", Message: "rev2"}))
	require.Eventually(t, func() bool {
		return len(receiverEvents.Changes()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "folderB", receiverEvents.Changes()[0].FolderIdentifier)
}

func TestEncryptedFrames(t *testing.T) {
	relay := newTestRelay(t)
	sender, _ := newConnectedChannel(t, relay, "folderA", Options{Passphrase: "secret"})
	_, receiverEvents := newConnectedChannel(t, relay, "folderA", Options{Passphrase: "secret"})

	require.NoError(t, sender.Send(listener.Announcement{FolderIdentifier: "folderA", Message: "rev1"}))
	require.Eventually(t, func() bool {
		return len(receiverEvents.Changes()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "rev1", receiverEvents.Changes()[0].Message)
	assert.NotEqual(t, "rev1", relay.Announces()[0].Message)
}

func TestReconnectAfterDrop(t *testing.T) {
	relay := newTestRelay(t)
	c, events := newConnectedChannel(t, relay, "folderA", Options{})

	relay.DropAll()

	require.Eventually(t, func() bool {
		_, disconnected, _ := events.counts()
		return disconnected == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		connected, _, _ := events.counts()
		return connected == 2 && c.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFailedSendDropsConnection(t *testing.T) {
	relay := newTestRelay(t)
	c, events := newConnectedChannel(t, relay, "folderA", Options{
		SendRatePerSec: 1,
		WriteTimeout:   50 * time.Millisecond,
	})

	require.NoError(t, c.Send(listener.Announcement{FolderIdentifier: "folderA", Message: "rev1"}))

	// the limiter has no token left within the write timeout
	err := c.Send(listener.Announcement{FolderIdentifier: "folderA", Message: "rev2"})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		connected, disconnected, _ := events.counts()
		return disconnected == 1 && connected == 2 && c.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDecodeDropsDuplicatesAndUnknown(t *testing.T) {
	c, err := New("relay.example.com", "folderA", &recordingEvents{}, Options{})
	require.NoError(t, err)

	frame := Frame{Type: FrameChange, ID: "01H", Channel: util.ChannelName("folderA"), Message: "rev1"}

	a, ok, err := c.decode(frame)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "folderA", a.FolderIdentifier)

	_, ok, err = c.decode(frame)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate frame id")

	_, ok, _ = c.decode(Frame{Type: FrameChange, ID: "01J", Channel: util.ChannelName("folderZ"), Message: "rev1"})
	assert.False(t, ok, "unknown channel")

	_, ok, _ = c.decode(Frame{Type: FrameSubscribe, Channel: util.ChannelName("folderA")})
	assert.False(t, ok)

	_, ok, err = c.decode(Frame{Type: FrameChange, ID: "01K", Channel: util.ChannelName("folderA")})
	assert.Error(t, err, "empty message")
	assert.False(t, ok)
}

// TestListenerOverWebsocket drives a Listener through the real transport
func TestListenerOverWebsocket(t *testing.T) {
	relay := newTestRelay(t)

	registry := listener.NewRegistry("ws")
	registry.RegisterTransport("ws", NewFactory(Options{}))
	t.Cleanup(func() { registry.Close() })

	l, err := registry.GetOrCreate(relay.Server(), "folderA", listener.Own)
	require.NoError(t, err)

	first, _ := listener.NewAnnouncement("folderA", "rev1")
	second, _ := listener.NewAnnouncement("folderA", "rev2")
	require.NoError(t, l.Announce(first))
	require.NoError(t, l.Announce(second))
	assert.Equal(t, 2, l.QueueLength())

	connected := make(chan struct{}, 1)
	l.Subscribe(listener.Handler{Connected: func() { connected <- struct{}{} }})
	l.Connect()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for connection")
	}

	require.Eventually(t, func() bool {
		return len(relay.Announces()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	frames := relay.Announces()
	assert.Equal(t, "rev1", frames[0].Message)
	assert.Equal(t, "rev2", frames[1].Message)
	assert.Equal(t, 0, l.QueueLength())
}
