package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store with an in-process map. It is the
// degraded fallback when BoltDB is unavailable; nothing survives a
// process restart.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	degraded bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func newDegradedMemoryStore() *MemoryStore {
	s := NewMemoryStore()
	s.degraded = true
	return s
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	value := make([]byte, len(data))
	copy(value, data)
	return value, true, nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *MemoryStore) ScanPrefix(prefix string) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pairs []KV
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			value := make([]byte, len(v))
			copy(value, v)
			pairs = append(pairs, KV{Key: k, Value: value})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

// Degraded reports whether this store is standing in for failed
// durable storage.
func (s *MemoryStore) Degraded() bool {
	return s.degraded
}

func (s *MemoryStore) Close() error {
	return nil
}
