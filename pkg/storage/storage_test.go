package storage

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// openStores returns both implementations so shared behavior is tested
// against each.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	boltStore, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return map[string]Store{
		"bolt":   boltStore,
		"memory": NewMemoryStore(),
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := store.Get("missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.Set("session:current", []byte(`{"user":"u1"}`)))

			value, found, err := store.Get("session:current")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, []byte(`{"user":"u1"}`), value)

			// Overwrite
			require.NoError(t, store.Set("session:current", []byte(`{"user":"u2"}`)))
			value, _, err = store.Get("session:current")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"user":"u2"}`), value)

			require.NoError(t, store.Delete("session:current"))
			_, found, err = store.Get("session:current")
			require.NoError(t, err)
			assert.False(t, found)

			// Deleting an absent key is not an error
			require.NoError(t, store.Delete("session:current"))
		})
	}
}

func TestStoreScanPrefix(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set("cache:post:2", []byte("b")))
			require.NoError(t, store.Set("cache:post:1", []byte("a")))
			require.NoError(t, store.Set("cache:profile:1", []byte("c")))
			require.NoError(t, store.Set("queue:action:1", []byte("d")))

			pairs, err := store.ScanPrefix("cache:post:")
			require.NoError(t, err)
			require.Len(t, pairs, 2)

			// Ordered by key
			assert.Equal(t, "cache:post:1", pairs[0].Key)
			assert.Equal(t, "cache:post:2", pairs[1].Key)
			assert.Equal(t, []byte("a"), pairs[0].Value)

			pairs, err = store.ScanPrefix("cache:")
			require.NoError(t, err)
			assert.Len(t, pairs, 3)

			pairs, err = store.ScanPrefix("nothing:")
			require.NoError(t, err)
			assert.Empty(t, pairs)
		})
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Set("queue:action:1", []byte("payload")))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	value, found, err := reopened.Get("queue:action:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), value)
}

func TestOpenDegradesWhenPathUnusable(t *testing.T) {
	// A file where the data directory should be forces bolt open to fail.
	dir := t.TempDir() + "/not-a-directory"
	store := Open(dir + "/child")
	defer store.Close()

	assert.True(t, store.Degraded())

	// Degraded store still works
	require.NoError(t, store.Set("k", []byte("v")))
	value, found, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestBoltStoreNotDegraded(t *testing.T) {
	store := Open(t.TempDir())
	defer store.Close()
	assert.False(t, store.Degraded())
}

// failingStore simulates a durable store whose disk goes away mid-run:
// reads keep working, writes start erroring once fail is set.
type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) Set(key string, value []byte) error {
	if s.fail {
		return errors.New("disk unavailable")
	}
	return s.MemoryStore.Set(key, value)
}

func (s *failingStore) Delete(key string) error {
	if s.fail {
		return errors.New("disk unavailable")
	}
	return s.MemoryStore.Delete(key)
}

func TestFallbackStoreDegradesOnRuntimeWriteFailure(t *testing.T) {
	primary := &failingStore{MemoryStore: NewMemoryStore()}
	store := NewFallbackStore(primary)

	var degradations int
	store.OnDegrade(func() { degradations++ })

	require.NoError(t, store.Set("cache:post:1", []byte("a")))
	assert.False(t, store.Degraded())

	// The disk goes away; the failing write must still land, in memory
	primary.fail = true
	require.NoError(t, store.Set("cache:post:2", []byte("b")))
	assert.True(t, store.Degraded())
	assert.Equal(t, 1, degradations)

	// Pre-failure data was carried over
	value, found, err := store.Get("cache:post:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("a"), value)

	value, found, err = store.Get("cache:post:2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("b"), value)

	// Later operations stay in memory and do not re-fire the hook
	require.NoError(t, store.Set("cache:post:3", []byte("c")))
	require.NoError(t, store.Delete("cache:post:1"))
	pairs, err := store.ScanPrefix("cache:")
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
	assert.Equal(t, 1, degradations)
}

func TestFallbackStorePassesThroughWhileHealthy(t *testing.T) {
	store := NewFallbackStore(NewMemoryStore())

	store.OnDegrade(func() { t.Fatal("healthy store must not degrade") })

	require.NoError(t, store.Set("k", []byte("v")))
	value, found, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
	assert.False(t, store.Degraded())
}
