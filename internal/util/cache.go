package util

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// SeenSet remembers a bounded number of recently seen keys, evicting the
// least recently used. It is safe for concurrent use.
type SeenSet struct {
	cache *lru.Cache[string, struct{}]
}

// NewSeenSet creates a set holding at most size keys
func NewSeenSet(size int) (*SeenSet, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &SeenSet{cache: cache}, nil
}

// Add records key
func (s *SeenSet) Add(key string) {
	s.cache.Add(key, struct{}{})
}

// Seen reports whether key was added and not yet evicted
func (s *SeenSet) Seen(key string) bool {
	return s.cache.Contains(key)
}

// CheckAndAdd records key and reports whether it had been seen before
func (s *SeenSet) CheckAndAdd(key string) bool {
	seen, _ := s.cache.ContainsOrAdd(key, struct{}{})
	return seen
}

// Len returns the number of keys held
func (s *SeenSet) Len() int {
	return s.cache.Len()
}
