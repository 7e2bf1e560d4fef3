package notification

import (
	"context"
	"sync"
)

// MemoryLogStore is a LogStore kept in process memory.
type MemoryLogStore struct {
	entries map[string]LogEntry
	mu      sync.RWMutex
}

// NewMemoryLogStore creates an empty store.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{entries: make(map[string]LogEntry)}
}

func (s *MemoryLogStore) Get(_ context.Context, key string) (*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrLogEntryNotFound
	}
	return &entry, nil
}

func (s *MemoryLogStore) Insert(_ context.Context, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.Key]; exists {
		return ErrDuplicateKey
	}
	s.entries[entry.Key] = entry
	return nil
}

func (s *MemoryLogStore) Upsert(_ context.Context, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Key] = entry
	return nil
}

func (s *MemoryLogStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryLogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
