package storage

// KV is a single key/value pair returned by prefix scans.
type KV struct {
	Key   string
	Value []byte
}

// Store defines the interface for durable key/value persistence.
// Implemented by BoltStore for crash-durable storage and MemoryStore
// as the degraded fallback.
type Store interface {
	// Get returns the value for key. The second return is false when
	// the key is absent.
	Get(key string) ([]byte, bool, error)

	// Set writes value under key, overwriting any previous value.
	// The write is committed before Set returns.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// ScanPrefix returns all pairs whose key starts with prefix,
	// ordered by key.
	ScanPrefix(prefix string) ([]KV, error)

	// Degraded reports whether the store has fallen back to
	// non-persistent in-memory operation.
	Degraded() bool

	// Close releases the underlying storage.
	Close() error
}
