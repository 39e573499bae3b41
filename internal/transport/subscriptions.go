package transport

import (
	"sort"
	"sync"

	"github.com/imdevinc/livesync-notify/internal/util"
)

// Subscriptions maps wire channel names back to folder identifiers.
// It is safe for concurrent use.
type Subscriptions struct {
	mu      sync.RWMutex
	folders map[string]string // channel name -> folder identifier
}

// NewSubscriptions creates a table holding the given folders
func NewSubscriptions(folderIdentifiers ...string) *Subscriptions {
	s := &Subscriptions{folders: make(map[string]string)}
	for _, f := range folderIdentifiers {
		s.Add(f)
	}
	return s
}

// Add registers a folder and returns its channel name and whether it was new
func (s *Subscriptions) Add(folderIdentifier string) (string, bool) {
	name := util.ChannelName(folderIdentifier)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[name]; ok {
		return name, false
	}
	s.folders[name] = folderIdentifier
	return name, true
}

// Folder returns the folder identifier for a channel name
func (s *Subscriptions) Folder(channel string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.folders[channel]
	return f, ok
}

// Channels returns all channel names, sorted
func (s *Subscriptions) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.folders))
	for name := range s.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
