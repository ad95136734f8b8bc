package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Expired entries are swept on Reserve.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, lockTTL time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, k)
		}
	}
	if existing, ok := s.entries[key]; ok {
		return resolve(existing, fingerprint)
	}
	s.entries[key] = pendingEntry(fingerprint, now, lockTTL)
	return Reservation{State: StateNew}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, entry Entry, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok && existing.Fingerprint != entry.Fingerprint {
		return ErrFingerprintMismatch
	}
	s.entries[key] = completedEntry(entry, now, ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
