package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CentralServer is the shared notification server used when the user has
// none of their own. It is the only address contacted for ServerType Central.
const CentralServer = "204.62.14.135"

// Registry hands out one Listener per server address. Folders on the same
// server share a single connection.
type Registry struct {
	mu            sync.Mutex
	listeners     map[string]*Listener
	factories     map[string]ChannelFactory
	defaultScheme string
}

// NewRegistry creates an empty registry. Servers given without a URL scheme
// use the transport registered for defaultScheme.
func NewRegistry(defaultScheme string) *Registry {
	return &Registry{
		listeners:     make(map[string]*Listener),
		factories:     make(map[string]ChannelFactory),
		defaultScheme: strings.ToLower(defaultScheme),
	}
}

// RegisterTransport registers a channel factory for a URL scheme (e.g. "http", "ws")
func (r *Registry) RegisterTransport(scheme string, factory ChannelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = factory
}

// ResolveServer returns the address actually used for server and serverType
func ResolveServer(server string, serverType ServerType) string {
	if serverType == Central {
		return CentralServer
	}
	return server
}

// GetOrCreate returns the listener for server, adding folderIdentifier to it,
// or creates a new one if none exists yet.
func (r *Registry) GetOrCreate(server, folderIdentifier string, serverType ServerType) (*Listener, error) {
	if folderIdentifier == "" {
		return nil, errors.New("folder identifier is required")
	}

	server = ResolveServer(server, serverType)
	if server == "" {
		return nil, fmt.Errorf("no server given for folder %s", folderIdentifier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.listeners[server]; ok {
		slog.Debug("Referred to existing listener", "server", server, "folder", folderIdentifier)
		l.AlsoListenTo(folderIdentifier)
		return l, nil
	}

	scheme := r.schemeOf(server)
	factory, ok := r.factories[scheme]
	if !ok {
		return nil, fmt.Errorf("no transport registered for scheme '%s' (server %s)", scheme, server)
	}

	l, err := newListener(server, folderIdentifier, serverType, factory)
	if err != nil {
		return nil, err
	}
	r.listeners[server] = l

	slog.Info("Issued new listener", "server", server, "folder", folderIdentifier, "type", serverType)
	return l, nil
}

// Listeners returns all live listeners sorted by server
func (r *Registry) Listeners() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		result = append(result, l)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Server() < result[j].Server()
	})
	return result
}

// Close disposes every listener concurrently and empties the registry
func (r *Registry) Close() error {
	r.mu.Lock()
	listeners := r.listeners
	r.listeners = make(map[string]*Listener)
	r.mu.Unlock()

	var g errgroup.Group
	for server, l := range listeners {
		g.Go(func() error {
			if err := l.Dispose(); err != nil {
				return fmt.Errorf("%s: %w", server, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) schemeOf(server string) string {
	if i := strings.Index(server, "://"); i > 0 {
		return strings.ToLower(server[:i])
	}
	return r.defaultScheme
}
