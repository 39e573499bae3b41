package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ServerURL turns a server address into a URL. Bare hosts get scheme and,
// when they carry no port, defaultPort. Addresses with a scheme are only validated.
func ServerURL(server, scheme, defaultPort string) (*url.URL, error) {
	raw := server
	if !strings.Contains(server, "://") {
		host := server
		if _, _, err := net.SplitHostPort(server); err != nil && defaultPort != "" {
			host = net.JoinHostPort(server, defaultPort)
		}
		raw = scheme + "://" + host
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", server, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q: no host", server)
	}
	return u, nil
}
