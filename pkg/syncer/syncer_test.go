package syncer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/apiclient"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// testServer records requests and serves per-path canned responses.
type testServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
	srv      *httptest.Server
}

type recordedRequest struct {
	Method         string
	Path           string
	IdempotencyKey string
	Authorization  string
}

func newTestServer(handler func(w http.ResponseWriter, r *http.Request)) *testServer {
	ts := &testServer{handler: handler}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method:         r.Method,
			Path:           r.URL.Path,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Authorization:  r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()
		ts.handler(w, r)
	}))
	return ts
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]recordedRequest, len(ts.requests))
	copy(out, ts.requests)
	return out
}

// harness wires a full engine over a memory store and a test server.
type harness struct {
	cache   *cache.Cache
	queue   *queue.Queue
	session *session.Manager
	coord   *Coordinator
	sync    *Synchronizer
	broker  *events.Broker
	clock   *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T, ts *testServer) *harness {
	t.Helper()

	store := storage.NewMemoryStore()
	clock := &testClock{now: time.Now()}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	c := cache.New(store, cache.WithClock(clock.Now))
	q, err := queue.New(store, queue.WithClock(clock.Now))
	require.NoError(t, err)

	sess := session.NewManager(store, broker, session.Config{}, nil)
	require.NoError(t, sess.Begin(&types.Session{
		UserID:         "user-1",
		AccessToken:    "tok-1",
		TokenExpiresAt: time.Now().Add(24 * time.Hour),
		LastActivityAt: time.Now(),
		RememberMe:     true,
	}))
	t.Cleanup(func() { sess.Destroy(types.DestroyLogout) })

	client := apiclient.NewClient(ts.srv.URL)
	coord := NewCoordinator(c, q, broker)
	// No nudge wiring here: tests drive cycles explicitly for
	// determinism
	s := NewSynchronizer(c, q, sess, client, coord, broker)
	coord.setNudge(nil)

	return &harness{cache: c, queue: q, session: sess, coord: coord, sync: s, broker: broker, clock: clock}
}

func bumpLikes(payload json.RawMessage) (json.RawMessage, error) {
	var post map[string]interface{}
	if err := json.Unmarshal(payload, &post); err != nil {
		return nil, err
	}
	post["likes"] = post["likes"].(float64) + 1
	return json.Marshal(post)
}

func TestOfflineLikeThenReconnect(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"42","likes":4}`)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	require.NoError(t, h.cache.Put("posts", "42", json.RawMessage(`{"id":"42","likes":3}`), 300))

	h.sync.SetConnectivity(false)

	// Like while offline: the view updates immediately
	updated, err := h.coord.Like("posts", "42", bumpLikes)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"42","likes":4}`, string(updated))

	entry, ok := h.cache.Get("posts", "42")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"42","likes":4}`, string(entry.Payload))

	// One queued action, nothing sent
	assert.Equal(t, 1, h.queue.Len())
	h.sync.cycle()
	assert.Empty(t, ts.recorded(), "offline cycle must not touch the network")

	// Reconnect and reconcile
	h.sync.SetConnectivity(true)
	h.sync.cycle()

	assert.Equal(t, 0, h.queue.Len())
	reqs := ts.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/posts/42/like", reqs[0].Path)
	assert.Equal(t, "Bearer tok-1", reqs[0].Authorization)
	assert.NotEmpty(t, reqs[0].IdempotencyKey)

	// Canonical server payload wins
	entry, ok = h.cache.Get("posts", "42")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"42","likes":4}`, string(entry.Payload))
}

func TestReadYourWritesRegardlessOfNetwork(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	require.NoError(t, h.cache.Put("posts", "1", json.RawMessage(`{"likes":0}`), 300))
	h.sync.SetConnectivity(false)

	updated, err := h.coord.Like("posts", "1", bumpLikes)
	require.NoError(t, err)

	entry, ok := h.cache.Get("posts", "1")
	require.True(t, ok)
	assert.Equal(t, string(updated), string(entry.Payload))
}

func TestRollbackOnPermanentRejection(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":"likes are closed"}`)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	sub := h.broker.Subscribe()

	original := json.RawMessage(`{"id":"9","likes":7,"title":"post"}`)
	require.NoError(t, h.cache.Put("posts", "9", original, 300))

	_, err := h.coord.Like("posts", "9", bumpLikes)
	require.NoError(t, err)

	h.sync.cycle()

	// The action is gone and the optimistic value was rolled back to a
	// byte-equal copy of the original
	assert.Equal(t, 0, h.queue.Len())
	entry, ok := h.cache.Get("posts", "9")
	require.True(t, ok)
	assert.Equal(t, []byte(original), []byte(entry.Payload))

	// The UI was told
	deadline := time.After(2 * time.Second)
	var sawRollback bool
	for !sawRollback {
		select {
		case event := <-sub:
			if event.Type == events.EventMutationRolledBack {
				sawRollback = true
				assert.Contains(t, event.Reason, "likes are closed")
			}
		case <-deadline:
			t.Fatal("no mutation.rolled_back event")
		}
	}
}

func TestSameEntityOrderingAcrossRetries(t *testing.T) {
	var failFirst sync.Once
	failNext := false
	var mu sync.Mutex

	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		failFirst.Do(func() { failNext = true })
		if failNext {
			failNext = false
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":"5"}`)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	require.NoError(t, h.cache.Put("posts", "5", json.RawMessage(`{"id":"5","title":"a"}`), 300))

	replace := func(next string) cache.Mutator {
		return func(json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(next), nil
		}
	}

	// A then B against the same entity
	_, err := h.coord.Update("posts", "5", json.RawMessage(`{"title":"b"}`), replace(`{"id":"5","title":"b"}`))
	require.NoError(t, err)
	_, err = h.coord.Update("posts", "5", json.RawMessage(`{"title":"c"}`), replace(`{"id":"5","title":"c"}`))
	require.NoError(t, err)

	// First cycle: A fails transiently and starts backing off. B must
	// not be attempted.
	h.sync.cycle()
	require.Len(t, ts.recorded(), 1)
	keyA := ts.recorded()[0].IdempotencyKey

	// A cycle during the backoff sends nothing
	h.sync.cycle()
	assert.Len(t, ts.recorded(), 1)

	// After the backoff gate, A is retried (same idempotency key) and
	// only then is B sent
	h.clock.Advance(2 * time.Minute)
	h.sync.cycle()

	reqs := ts.recorded()
	require.Len(t, reqs, 3)
	assert.Equal(t, keyA, reqs[1].IdempotencyKey, "retry must resend A, not B")
	assert.NotEqual(t, keyA, reqs[2].IdempotencyKey)
	assert.Equal(t, 0, h.queue.Len())
}

func TestAuthRejectionDestroysSessionPreservesQueue(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	require.NoError(t, h.cache.Put("posts", "3", json.RawMessage(`{"likes":0}`), 300))

	_, err := h.coord.Like("posts", "3", bumpLikes)
	require.NoError(t, err)

	h.sync.cycle()

	// Session gone
	_, ok := h.session.Token()
	assert.False(t, ok)

	// The action survives, pending and unpenalized, for after re-login
	pending, err := h.queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.ActionPending, pending[0].Status)
	assert.Equal(t, 0, pending[0].RetryCount)

	// Without a session no further cycles touch the network
	before := len(ts.recorded())
	h.sync.cycle()
	assert.Len(t, ts.recorded(), before)
}

func TestStaleVisibleRefreshAfterDrain(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/posts/8", r.URL.Path)
		fmt.Fprint(w, `{"id":"8","title":"fresh"}`)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	require.NoError(t, h.cache.Put("posts", "8", json.RawMessage(`{"id":"8","title":"old"}`), 10))
	h.cache.SetVisible([]types.EntityRef{{Type: "posts", ID: "8"}})

	// Let the record go stale
	h.clock.Advance(30 * time.Second)

	h.sync.cycle()

	entry, ok := h.cache.Get("posts", "8")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"8","title":"fresh"}`, string(entry.Payload))
	assert.False(t, entry.Stale)
}

func TestDeleteRollbackReinsertsRecord(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"already gone"}`)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	original := json.RawMessage(`{"id":"6","title":"keep me"}`)
	require.NoError(t, h.cache.Put("posts", "6", original, 300))

	require.NoError(t, h.coord.Delete("posts", "6"))

	// Optimistically gone
	_, ok := h.cache.Get("posts", "6")
	assert.False(t, ok)

	// Server says the entity does not exist: permanent failure with
	// rollback per the entity-not-found policy
	h.sync.cycle()

	entry, ok := h.cache.Get("posts", "6")
	require.True(t, ok)
	assert.Equal(t, []byte(original), []byte(entry.Payload))
	assert.Equal(t, 0, h.queue.Len())
}

func TestCreateReconcilesCanonicalPayload(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/posts", r.URL.Path)
		fmt.Fprint(w, `{"id":"tmp-1","title":"hello","createdAt":"2026-08-30T00:00:00Z"}`)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)

	payload, err := h.coord.Create("posts", "tmp-1", json.RawMessage(`{"id":"tmp-1","title":"hello"}`), 300)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"tmp-1","title":"hello"}`, string(payload))

	h.sync.cycle()

	entry, ok := h.cache.Get("posts", "tmp-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"tmp-1","title":"hello","createdAt":"2026-08-30T00:00:00Z"}`, string(entry.Payload))
	assert.Equal(t, 0, h.queue.Len())
}

func TestRetryCeilingRollsBackExactlyOnce(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer ts.srv.Close()

	store := storage.NewMemoryStore()
	clock := &testClock{now: time.Now()}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	c := cache.New(store, cache.WithClock(clock.Now))
	q, err := queue.New(store, queue.WithClock(clock.Now), queue.WithRetryCeiling(2))
	require.NoError(t, err)

	sess := session.NewManager(store, broker, session.Config{}, nil)
	require.NoError(t, sess.Begin(&types.Session{
		UserID: "user-1", AccessToken: "tok-1",
		TokenExpiresAt: time.Now().Add(time.Hour),
		LastActivityAt: time.Now(),
	}))
	defer sess.Destroy(types.DestroyLogout)

	coord := NewCoordinator(c, q, broker)
	s := NewSynchronizer(c, q, sess, apiclient.NewClient(ts.srv.URL), coord, broker)
	coord.setNudge(nil)

	original := json.RawMessage(`{"likes":1}`)
	require.NoError(t, c.Put("posts", "2", original, 300))
	sub := broker.Subscribe()

	_, err = coord.Like("posts", "2", bumpLikes)
	require.NoError(t, err)

	// Attempts: initial + 2 retries, each behind a backoff gate
	for i := 0; i < 3; i++ {
		s.cycle()
		clock.Advance(5 * time.Minute)
	}
	s.cycle()

	assert.Equal(t, 0, q.Len(), "exhausted action must leave the queue")

	entry, ok := c.Get("posts", "2")
	require.True(t, ok)
	assert.Equal(t, []byte(original), []byte(entry.Payload))

	// Exactly one rollback event
	rollbacks := 0
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case event := <-sub:
			if event.Type == events.EventMutationRolledBack {
				rollbacks++
			}
		case <-timeout:
			done = true
		}
	}
	assert.Equal(t, 1, rollbacks)
}

func TestRunLoopDeliversOnTicker(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"1","likes":1}`)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	require.NoError(t, h.cache.Put("posts", "1", json.RawMessage(`{"likes":0}`), 300))

	s := NewSynchronizer(h.cache, h.queue, h.session, apiclient.NewClient(ts.srv.URL), h.coord, h.broker,
		WithInterval(20*time.Millisecond))
	coordNudgeOff(h.coord)
	s.Start()
	defer s.Stop()

	_, err := h.coord.Like("posts", "1", bumpLikes)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.queue.Len() == 0 },
		2*time.Second, 10*time.Millisecond)

	state := s.State()
	assert.False(t, state.LastSyncSuccessAt.IsZero())
	assert.False(t, state.LastSyncAttemptAt.IsZero())
}

func coordNudgeOff(c *Coordinator) { c.setNudge(nil) }

func TestSyncNowTriggersImmediateCycle(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"1"}`)
	})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	require.NoError(t, h.cache.Put("posts", "1", json.RawMessage(`{"likes":0}`), 300))

	s := NewSynchronizer(h.cache, h.queue, h.session, apiclient.NewClient(ts.srv.URL), h.coord, h.broker,
		WithInterval(time.Hour)) // ticker will not fire during the test
	coordNudgeOff(h.coord)
	s.Start()
	defer s.Stop()

	_, err := h.coord.Like("posts", "1", bumpLikes)
	require.NoError(t, err)

	s.SyncNow()
	require.Eventually(t, func() bool { return h.queue.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestConnectivityChangePublishesEvent(t *testing.T) {
	ts := newTestServer(func(w http.ResponseWriter, r *http.Request) {})
	defer ts.srv.Close()

	h := newHarness(t, ts)
	sub := h.broker.Subscribe()

	h.sync.SetConnectivity(false)
	// Repeated sets of the same state publish nothing
	h.sync.SetConnectivity(false)
	h.sync.SetConnectivity(true)

	var got []types.Connectivity
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case event := <-sub:
			if event.Type == events.EventSyncStatusChanged {
				got = append(got, event.Connectivity)
			}
		case <-timeout:
			t.Fatalf("expected 2 connectivity events, got %d", len(got))
		}
	}
	assert.Equal(t, []types.Connectivity{types.ConnectivityOffline, types.ConnectivityOnline}, got)
}
