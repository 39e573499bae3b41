package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	checkpointBucket = []byte("checkpoints")
	metaBucket       = []byte("meta")

	clientIDKey = []byte("client-id")
)

// Store persists transport state between runs: the last change sequence
// seen per server and this client's identity. Announcement queues live in
// memory only.
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the database at path
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{checkpointBucket, metaBucket} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Checkpoint returns the last sequence stored for key, or "" if none
func (s *Store) Checkpoint(key string) (string, error) {
	var seq string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(checkpointBucket).Get([]byte(key)); v != nil {
			seq = string(v)
		}
		return nil
	})
	return seq, err
}

// SetCheckpoint records the last sequence processed for key
func (s *Store) SetCheckpoint(key, seq string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put([]byte(key), []byte(seq))
	})
}

// Checkpoints returns all stored checkpoints
func (s *Store) Checkpoints() (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)
			return nil
		})
	})
	return result, err
}

// ClientID returns the identity this client announces with, generating
// and persisting one on first use
func (s *Store) ClientID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if v := b.Get(clientIDKey); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put(clientIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("failed to load client id: %w", err)
	}
	return id, nil
}

// Clear removes all checkpoints and the client id
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{checkpointBucket, metaBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return createBuckets(tx)
	})
}
