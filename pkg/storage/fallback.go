package storage

import (
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// FallbackStore wraps a durable store and downgrades to an in-process
// map the first time an operation fails mid-run (disk full, file
// removed, quota exceeded). Whatever is still readable from the failing
// store is carried over, and every later operation runs against memory,
// so callers keep working with reduced durability instead of erroring.
type FallbackStore struct {
	mu        sync.Mutex
	primary   Store
	memory    *MemoryStore // nil until the primary fails
	onDegrade func()
	logger    zerolog.Logger
}

// NewFallbackStore wraps primary with a runtime memory fallback.
func NewFallbackStore(primary Store) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		logger:  log.WithComponent("storage"),
	}
}

// OnDegrade registers a hook fired once, at the moment the store
// downgrades. The hook runs on the failing operation's goroutine and
// must not call back into the store.
func (f *FallbackStore) OnDegrade(fn func()) {
	f.mu.Lock()
	f.onDegrade = fn
	f.mu.Unlock()
}

func (f *FallbackStore) Get(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.memory != nil {
		return f.memory.Get(key)
	}
	value, found, err := f.primary.Get(key)
	if err != nil {
		f.degradeLocked(err)
		return f.memory.Get(key)
	}
	return value, found, nil
}

func (f *FallbackStore) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.memory != nil {
		return f.memory.Set(key, value)
	}
	if err := f.primary.Set(key, value); err != nil {
		f.degradeLocked(err)
		return f.memory.Set(key, value)
	}
	return nil
}

func (f *FallbackStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.memory != nil {
		return f.memory.Delete(key)
	}
	if err := f.primary.Delete(key); err != nil {
		f.degradeLocked(err)
		return f.memory.Delete(key)
	}
	return nil
}

func (f *FallbackStore) ScanPrefix(prefix string) ([]KV, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.memory != nil {
		return f.memory.ScanPrefix(prefix)
	}
	pairs, err := f.primary.ScanPrefix(prefix)
	if err != nil {
		f.degradeLocked(err)
		return f.memory.ScanPrefix(prefix)
	}
	return pairs, nil
}

// Degraded reports whether the store has fallen back to memory, either
// here at runtime or in the wrapped store itself.
func (f *FallbackStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memory != nil || f.primary.Degraded()
}

func (f *FallbackStore) Close() error {
	return f.primary.Close()
}

// degradeLocked switches to the memory fallback, carrying over whatever
// the failing store can still read. Caller holds mu.
func (f *FallbackStore) degradeLocked(cause error) {
	f.memory = newDegradedMemoryStore()
	if pairs, err := f.primary.ScanPrefix(""); err == nil {
		for _, kv := range pairs {
			_ = f.memory.Set(kv.Key, kv.Value)
		}
	}
	f.logger.Error().Err(cause).
		Msg("durable storage failed, degrading to in-memory store")
	if f.onDegrade != nil {
		f.onDegrade()
	}
}
