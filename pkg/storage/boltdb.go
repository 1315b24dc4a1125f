package storage

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/log"
	bolt "go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketRecords, err)
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Open opens a BoltStore at dataDir, falling back to a MemoryStore with
// the degraded flag raised if the database cannot be opened. The engine
// keeps working with reduced durability rather than failing.
func Open(dataDir string) Store {
	s, err := NewBoltStore(dataDir)
	if err != nil {
		logger := log.WithComponent("storage")
		logger.Warn().Err(err).
			Msg("durable storage unavailable, degrading to in-memory store")
		return newDegradedMemoryStore()
	}
	return NewFallbackStore(s)
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Degraded always reports false for a bolt-backed store.
func (s *BoltStore) Degraded() bool {
	return false
}

func (s *BoltStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		// Copy since BoltDB data is only valid during the transaction
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	return value, found, err
}

func (s *BoltStore) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) ScanPrefix(prefix string) ([]KV, error) {
	var pairs []KV
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			pairs = append(pairs, KV{Key: string(k), Value: value})
		}
		return nil
	})
	return pairs, err
}
