package listener

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAnnouncement is returned when an announcement lacks a folder or message
	ErrInvalidAnnouncement = errors.New("invalid announcement")

	// ErrNotConnected is returned by a channel asked to send while disconnected
	ErrNotConnected = errors.New("channel not connected")

	// ErrChangesQueueEmpty is returned when acknowledging a remote change that was never received
	ErrChangesQueueEmpty = errors.New("changes queue is empty")
)

// Announcement is a single notification about a folder, either sent by us
// or received from the notification server.
type Announcement struct {
	FolderIdentifier string
	Message          string
}

// NewAnnouncement creates an announcement, rejecting empty fields
func NewAnnouncement(folderIdentifier, message string) (Announcement, error) {
	if folderIdentifier == "" {
		return Announcement{}, fmt.Errorf("%w: folder identifier is empty", ErrInvalidAnnouncement)
	}
	if message == "" {
		return Announcement{}, fmt.Errorf("%w: message is empty", ErrInvalidAnnouncement)
	}

	return Announcement{
		FolderIdentifier: folderIdentifier,
		Message:          message,
	}, nil
}

// Valid reports whether both fields are set
func (a Announcement) Valid() bool {
	return a.FolderIdentifier != "" && a.Message != ""
}

func (a Announcement) String() string {
	return fmt.Sprintf("%s: %s", a.FolderIdentifier, a.Message)
}
