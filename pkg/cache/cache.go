package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const keyPrefix = "cache:"

// DefaultMaxRecords is the storage-pressure threshold before eviction.
const DefaultMaxRecords = 1024

// Entry is a cache read result.
type Entry struct {
	Payload json.RawMessage
	Stale   bool
}

// Mutator transforms a cached payload into its optimistic successor.
// It must be pure: no side effects, same output for same input.
type Mutator func(payload json.RawMessage) (json.RawMessage, error)

// Cache is the TTL-bounded local store of server-owned records.
type Cache struct {
	mu         sync.Mutex
	store      storage.Store
	maxRecords int
	visible    map[types.EntityRef]bool
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxRecords overrides the eviction threshold.
func WithMaxRecords(n int) Option {
	return func(c *Cache) { c.maxRecords = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache backed by the given store.
func New(store storage.Store, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		maxRecords: DefaultMaxRecords,
		visible:    make(map[types.EntityRef]bool),
		now:        time.Now,
		logger:     log.WithComponent("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func recordKey(entityType, entityID string) string {
	return keyPrefix + entityType + ":" + entityID
}

// Put stores the canonical payload for an entity with the given TTL,
// overwriting any optimistic value.
func (c *Cache) Put(entityType, entityID string, payload json.RawMessage, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(&types.CachedRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		FetchedAt:  c.now(),
		TTLSeconds: ttlSeconds,
	})
}

// PutMany stores a batch of records, as returned by a batch fetch.
func (c *Cache) PutMany(records []*types.CachedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, r := range records {
		rec := *r
		rec.FetchedAt = now
		if err := c.putLocked(&rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) putLocked(rec *types.CachedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cached record: %w", err)
	}
	if err := c.store.Set(recordKey(rec.EntityType, rec.EntityID), data); err != nil {
		return fmt.Errorf("failed to store cached record: %w", err)
	}
	return c.evictLocked()
}

// Get returns the payload and staleness for an entity. A stale record is
// still returned; staleness only marks it eligible for background refresh.
func (c *Cache) Get(entityType, entityID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.load(entityType, entityID)
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return Entry{}, false
	}

	stale := rec.Stale(c.now())
	metrics.CacheHitsTotal.WithLabelValues(strconv.FormatBool(stale)).Inc()
	return Entry{Payload: rec.Payload, Stale: stale}, true
}

func (c *Cache) load(entityType, entityID string) (*types.CachedRecord, bool) {
	data, found, err := c.store.Get(recordKey(entityType, entityID))
	if err != nil || !found {
		return nil, false
	}
	var rec types.CachedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt entry, treat as absent
		c.logger.Warn().Err(err).Str("entity_type", entityType).Str("entity_id", entityID).
			Msg("dropping corrupt cache record")
		_ = c.store.Delete(recordKey(entityType, entityID))
		return nil, false
	}
	return &rec, true
}

// Patch applies a pure transformation to the stored payload and returns
// the previous payload for possible rollback. The record's FetchedAt and
// TTL are preserved: an optimistic write is not a server fetch.
func (c *Cache) Patch(entityType, entityID string, mutate Mutator) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.load(entityType, entityID)
	if !ok {
		return nil, fmt.Errorf("cache record not found: %s/%s", entityType, entityID)
	}

	prev := rec.Payload
	next, err := mutate(prev)
	if err != nil {
		return nil, fmt.Errorf("mutator failed for %s/%s: %w", entityType, entityID, err)
	}

	rec.Payload = next
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patched record: %w", err)
	}
	if err := c.store.Set(recordKey(entityType, entityID), data); err != nil {
		return nil, fmt.Errorf("failed to store patched record: %w", err)
	}
	return prev, nil
}

// Restore writes back a previously captured payload, preserving record
// metadata. Used by the coordinator to roll back a rejected mutation.
func (c *Cache) Restore(entityType, entityID string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.load(entityType, entityID)
	if !ok {
		return fmt.Errorf("cache record not found: %s/%s", entityType, entityID)
	}
	rec.Payload = payload
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal restored record: %w", err)
	}
	return c.store.Set(recordKey(entityType, entityID), data)
}

// Record returns the full stored record, metadata included. Used by the
// coordinator to capture state before an optimistic delete.
func (c *Cache) Record(entityType, entityID string) (*types.CachedRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(entityType, entityID)
}

// PutRecord writes a record back verbatim, preserving its FetchedAt and
// TTL. Used to undo an optimistic delete.
func (c *Cache) PutRecord(rec *types.CachedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return c.store.Set(recordKey(rec.EntityType, rec.EntityID), data)
}

// Invalidate removes a single record.
func (c *Cache) Invalidate(entityType, entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(recordKey(entityType, entityID))
}

// ClearAll removes every cached record (logout).
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pairs, err := c.store.ScanPrefix(keyPrefix)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		if err := c.store.Delete(kv.Key); err != nil {
			return err
		}
	}
	return nil
}

// SetVisible tells the cache which entities the UI currently renders.
// Visible records are protected from eviction and are the candidates for
// background refresh.
func (c *Cache) SetVisible(refs []types.EntityRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.visible = make(map[types.EntityRef]bool, len(refs))
	for _, ref := range refs {
		c.visible[ref] = true
	}
}

// StaleVisible returns the visible entities whose records are stale and
// due for a background refresh.
func (c *Cache) StaleVisible() []types.EntityRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var refs []types.EntityRef
	for ref := range c.visible {
		if rec, ok := c.load(ref.Type, ref.ID); ok && rec.Stale(now) {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pairs, err := c.store.ScanPrefix(keyPrefix)
	if err != nil {
		return 0
	}
	return len(pairs)
}

// evictLocked drops least-recently-fetched records outside the visible
// set until the record count is back under the threshold.
func (c *Cache) evictLocked() error {
	pairs, err := c.store.ScanPrefix(keyPrefix)
	if err != nil {
		return err
	}
	if len(pairs) <= c.maxRecords {
		return nil
	}

	type candidate struct {
		key       string
		fetchedAt time.Time
	}
	var candidates []candidate
	for _, kv := range pairs {
		var rec types.CachedRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			// Corrupt entries evict first
			candidates = append(candidates, candidate{key: kv.Key})
			continue
		}
		if c.visible[types.EntityRef{Type: rec.EntityType, ID: rec.EntityID}] {
			continue
		}
		candidates = append(candidates, candidate{key: kv.Key, fetchedAt: rec.FetchedAt})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].fetchedAt.Before(candidates[j].fetchedAt)
	})

	excess := len(pairs) - c.maxRecords
	for i := 0; i < excess && i < len(candidates); i++ {
		if err := c.store.Delete(candidates[i].key); err != nil {
			return err
		}
		metrics.CacheEvictionsTotal.Inc()
		c.logger.Debug().Str("key", candidates[i].key).Msg("evicted cache record")
	}
	return nil
}
