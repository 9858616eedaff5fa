package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store and Leaser, used by tests and by the
// CLI when no database path is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	leases map[string]memoryLease
	clock  func() time.Time
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore constructs an empty MemoryStore. A nil clock defaults to time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		values: make(map[string][]byte),
		leases: make(map[string]memoryLease),
		clock:  clock,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	if err := validateKey(prefix); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			delete(s.values, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := validateLease(name, owner, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	current, held := s.leases[name]
	if held && current.owner != owner && now.Before(current.expiresAt) {
		return false, nil
	}
	s.leases[name] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, held := s.leases[name]; held && current.owner == owner {
		delete(s.leases, name)
	}
	return nil
}
