package couchdb

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
)

// Client wraps a Kivik CouchDB client bound to one database
type Client struct {
	client *kivik.Client
	db     *kivik.DB
}

// Config holds configuration for connecting to CouchDB
type Config struct {
	URL             string // CouchDB server URL (e.g., "http://localhost:5984")
	Username        string // Username for authentication
	Password        string // Password for authentication
	Database        string // Database name
	CreateIfMissing bool   // Create the database instead of failing when it does not exist
	Timeout         time.Duration
}

// Change represents a change notification from CouchDB changes feed
type Change struct {
	Seq     string                 `json:"seq"`
	ID      string                 `json:"id"`
	Changes []string               `json:"changes"` // Revision strings
	Deleted bool                   `json:"deleted,omitempty"`
	Doc     map[string]interface{} `json:"doc,omitempty"` // Raw document data
}

// ChangesOptions configures the changes feed
type ChangesOptions struct {
	Since       string        // Start sequence, "now" skips history
	IncludeDocs bool          // Include full documents
	Continuous  bool          // Continuous feed
	Heartbeat   time.Duration // Heartbeat interval
	Timeout     time.Duration // Timeout for feed
	Filter      string        // Filter function
	Limit       int           // Max number of changes
}

// NewClient connects to CouchDB and opens the configured database
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("CouchDB URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	dsn := cfg.URL
	if cfg.Username != "" && cfg.Password != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %w", err)
		}
		u.User = url.UserPassword(cfg.Username, cfg.Password)
		dsn = u.String()
	}

	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	exists, err := client.DBExists(checkCtx, cfg.Database)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if !cfg.CreateIfMissing {
			client.Close()
			return nil, fmt.Errorf("database %s does not exist", cfg.Database)
		}
		if err := client.CreateDB(checkCtx, cfg.Database); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create database %s: %w", cfg.Database, err)
		}
	}

	db := client.DB(cfg.Database)
	if db.Err() != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database, db.Err())
	}

	return &Client{
		client: client,
		db:     db,
	}, nil
}

// Close closes the CouchDB client connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Put creates or updates a document
func (c *Client) Put(ctx context.Context, id string, doc interface{}) (rev string, err error) {
	rev, err = c.db.Put(ctx, id, doc)
	if err != nil {
		return "", fmt.Errorf("failed to put document %s: %w", id, err)
	}
	return rev, nil
}

// Changes monitors the changes feed. Both channels are closed when the feed
// ends; at most one error is delivered.
func (c *Client) Changes(ctx context.Context, opts ChangesOptions) (<-chan Change, <-chan error) {
	changeChan := make(chan Change, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(changeChan)
		defer close(errChan)

		changes := c.db.Changes(ctx, kivik.Params(opts.params()))
		if changes.Err() != nil {
			errChan <- fmt.Errorf("failed to start changes feed: %w", changes.Err())
			return
		}
		defer changes.Close()

		for changes.Next() {
			change := Change{
				ID:      changes.ID(),
				Seq:     changes.Seq(),
				Deleted: changes.Deleted(),
				Changes: changes.Changes(),
			}

			if opts.IncludeDocs {
				var doc map[string]interface{}
				if err := changes.ScanDoc(&doc); err == nil {
					change.Doc = doc
				}
			}

			select {
			case changeChan <- change:
			case <-ctx.Done():
				return
			}
		}

		if changes.Err() != nil {
			errChan <- fmt.Errorf("changes feed error: %w", changes.Err())
		}
	}()

	return changeChan, errChan
}

// params converts the options into Kivik query parameters
func (opts ChangesOptions) params() map[string]interface{} {
	params := map[string]interface{}{}
	if opts.Since != "" {
		params["since"] = opts.Since
	}
	if opts.IncludeDocs {
		params["include_docs"] = true
	}
	if opts.Continuous {
		params["feed"] = "continuous"
	}
	if opts.Heartbeat > 0 {
		params["heartbeat"] = int(opts.Heartbeat.Milliseconds())
	}
	if opts.Timeout > 0 {
		params["timeout"] = int(opts.Timeout.Milliseconds())
	}
	if opts.Filter != "" {
		params["filter"] = opts.Filter
	}
	if opts.Limit > 0 {
		params["limit"] = opts.Limit
	}
	return params
}
