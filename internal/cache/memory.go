package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps entries in a bounded LRU
type MemoryStore struct {
	entries  *lru.Cache[string, Entry]
	capacity int
}

// NewMemoryStore creates an in-memory store holding at most capacity entries
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	entries, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{entries: entries, capacity: capacity}, nil
}

// Get returns the entry for key
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := s.entries.Get(key)
	return e, ok, nil
}

// Put stores e under key
func (s *MemoryStore) Put(_ context.Context, key string, e Entry) error {
	s.entries.Add(key, e)
	return nil
}

// Purge removes every entry
func (s *MemoryStore) Purge(context.Context) error {
	s.entries.Purge()
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of cached entries
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
