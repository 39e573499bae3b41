package listener

// Events receives connection state changes and remote notifications from a Channel.
// Listener implements it; transports call it from their own goroutines.
type Events interface {
	// OnConnected is called once the channel is ready to send
	OnConnected()

	// OnDisconnected is called when an established connection is lost
	OnDisconnected()

	// OnRemoteChange is called for every announcement received from the server
	OnRemoteChange(announcement Announcement)
}

// Channel is the interface that all notification transports must implement
type Channel interface {
	// Connect starts connecting in the background. Success is reported through
	// Events.OnConnected; failures are retried by the channel itself.
	// Calling Connect while already connecting or connected is a no-op.
	Connect()

	// Send transmits an announcement right away. Returns ErrNotConnected
	// when there is no connection. Send must not call back into Events
	// before returning.
	Send(announcement Announcement) error

	// AlsoListenTo subscribes to another folder on the same connection
	AlsoListenTo(folderIdentifier string)

	// IsConnected reports the transport's own view of the connection
	IsConnected() bool

	// Dispose closes the connection and releases all resources
	Dispose() error
}

// ChannelFactory creates a transport bound to server, initially listening to folderIdentifier.
// The returned channel reports back through events.
type ChannelFactory func(server, folderIdentifier string, events Events) (Channel, error)

// Handler holds the callbacks of one subscriber. Nil callbacks are skipped.
type Handler struct {
	Connected    func()
	Disconnected func()
	RemoteChange func(announcement Announcement)
}
