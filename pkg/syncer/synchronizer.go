package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/apiclient"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Defaults for the synchronizer.
const (
	DefaultInterval   = 30 * time.Second
	DefaultRefreshTTL = 300 // seconds, for reconciled and refreshed records
)

// Synchronizer is the background reconciliation loop: it drains the
// mutation queue against the network and refreshes stale visible cache
// entries, using the session manager for credentials.
type Synchronizer struct {
	mu          sync.Mutex
	cache       *cache.Cache
	queue       *queue.Queue
	session     *session.Manager
	client      *apiclient.Client
	coordinator *Coordinator
	broker      *events.Broker
	logger      zerolog.Logger

	interval   time.Duration
	refreshTTL int

	state    types.SyncState
	stopCh   chan struct{}
	kickCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithInterval overrides the periodic sync interval.
func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.interval = d }
}

// WithRefreshTTL overrides the TTL applied to reconciled records.
func WithRefreshTTL(seconds int) Option {
	return func(s *Synchronizer) { s.refreshTTL = seconds }
}

// NewSynchronizer wires the reconciliation loop together. The
// coordinator's nudge is pointed at SyncNow so optimistic applies while
// online attempt delivery immediately.
func NewSynchronizer(c *cache.Cache, q *queue.Queue, sess *session.Manager, client *apiclient.Client, coord *Coordinator, broker *events.Broker, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cache:       c,
		queue:       q,
		session:     sess,
		client:      client,
		coordinator: coord,
		broker:      broker,
		logger:      log.WithComponent("syncer"),
		interval:    DefaultInterval,
		refreshTTL:  DefaultRefreshTTL,
		state:       types.SyncState{Connectivity: types.ConnectivityOnline},
		stopCh:      make(chan struct{}),
		kickCh:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	coord.setNudge(s.SyncNow)
	return s
}

// Start begins the reconciliation loop
func (s *Synchronizer) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops the synchronizer and waits for an in-flight cycle to end.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SyncNow triggers an immediate cycle. Coalesced: triggering during a
// running cycle schedules at most one follow-up.
func (s *Synchronizer) SyncNow() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// SyncOnce runs a single reconciliation cycle synchronously, without
// the background loop. Used for one-shot invocations.
func (s *Synchronizer) SyncOnce() {
	s.cycle()
}

// SetConnectivity records the network status. The offline-to-online
// edge triggers an immediate cycle.
func (s *Synchronizer) SetConnectivity(online bool) {
	conn := types.ConnectivityOffline
	if online {
		conn = types.ConnectivityOnline
	}

	s.mu.Lock()
	prev := s.state.Connectivity
	s.state.Connectivity = conn
	s.mu.Unlock()

	if prev == conn {
		return
	}
	s.logger.Info().Str("connectivity", string(conn)).Msg("connectivity changed")
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:         events.EventSyncStatusChanged,
			Connectivity: conn,
		})
	}
	if online {
		s.SyncNow()
	}
}

// State returns a copy of the current sync state.
func (s *Synchronizer) State() types.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run is the main reconciliation loop
func (s *Synchronizer) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cycle()
		case <-s.kickCh:
			s.cycle()
		case <-s.stopCh:
			return
		}
	}
}

// cycle performs one reconciliation pass: drain the queue, then refresh
// stale visible records.
func (s *Synchronizer) cycle() {
	s.mu.Lock()
	if s.state.Connectivity == types.ConnectivityOffline {
		s.mu.Unlock()
		return
	}
	s.state.LastSyncAttemptAt = time.Now()
	s.mu.Unlock()

	token, ok := s.session.Token()
	if !ok {
		// Nothing can be delivered without credentials; queued actions
		// wait for the next login
		return
	}
	startSess, _ := s.session.Current()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SyncCycleDuration)
		metrics.SyncCyclesTotal.Inc()
	}()

	ctx := context.Background()

	if !s.drain(ctx, token, startSess) {
		return
	}
	s.refreshStale(ctx, token, startSess)

	s.mu.Lock()
	s.state.LastSyncSuccessAt = time.Now()
	s.mu.Unlock()

	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventSyncCompleted})
	}
}

// drain delivers queued actions one at a time. Returns false when the
// cycle should abort (auth rejection or discarded session).
func (s *Synchronizer) drain(ctx context.Context, token string, startSess *types.Session) bool {
	for {
		action, err := s.queue.DequeueNext()
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to dequeue action")
			return false
		}
		if action == nil {
			// Empty, or the head is backing off
			return true
		}

		canonical, err := s.client.Submit(ctx, token, action)
		if !s.sessionMatches(startSess) {
			// Session changed mid-flight; discard the result and leave
			// the action for the next cycle
			_ = s.queue.ClearInFlight()
			return false
		}

		if err == nil {
			if err := s.queue.MarkSucceeded(action.ActionID); err != nil {
				s.logger.Error().Err(err).Str("action_id", action.ActionID).
					Msg("failed to resolve delivered action")
				return false
			}
			s.coordinator.Forget(action.ActionID)
			s.reconcile(action, canonical)
			continue
		}

		switch apiclient.Classify(err) {
		case types.FailureAuthRejected:
			// Preserve the action so it can be retried after re-login
			_ = s.queue.ClearInFlight()
			s.session.Destroy(types.DestroyAuthRejected)
			s.logger.Warn().Str("action_id", action.ActionID).
				Msg("delivery rejected for authentication, session destroyed")
			return false

		case types.FailureTransient:
			if _, _, err := s.queue.MarkFailed(action.ActionID, true, err.Error()); err != nil {
				s.logger.Error().Err(err).Msg("failed to schedule retry")
				return false
			}
			// The head is now backing off; the next DequeueNext returns
			// nil and ends the drain

		default: // permanent
			failed, permanent, mErr := s.queue.MarkFailed(action.ActionID, false, err.Error())
			if mErr != nil {
				s.logger.Error().Err(mErr).Msg("failed to resolve rejected action")
				return false
			}
			if permanent {
				s.coordinator.Rollback(failed, err.Error())
				if s.broker != nil {
					s.broker.Publish(&events.Event{
						Type:     events.EventMutationFailed,
						ActionID: failed.ActionID,
						Reason:   err.Error(),
					})
				}
			}
		}
	}
}

// reconcile overwrites the optimistic value with the server's canonical
// payload. Canonical always wins.
func (s *Synchronizer) reconcile(action *types.PendingAction, canonical []byte) {
	if action.Type == types.ActionDelete {
		// Already gone locally; the acknowledgment confirms it
		return
	}
	if len(canonical) == 0 {
		return
	}
	if err := s.cache.Put(action.TargetType, action.TargetID, canonical, s.refreshTTL); err != nil {
		s.logger.Warn().Err(err).Str("action_id", action.ActionID).
			Msg("failed to reconcile canonical payload")
	}
}

// refreshStale re-fetches stale records the UI is currently rendering.
func (s *Synchronizer) refreshStale(ctx context.Context, token string, startSess *types.Session) {
	for _, ref := range s.cache.StaleVisible() {
		payload, err := s.client.Fetch(ctx, token, ref.Type, ref.ID)
		if err != nil {
			if apiclient.Classify(err) == types.FailureAuthRejected {
				s.session.Destroy(types.DestroyAuthRejected)
				return
			}
			s.logger.Debug().Err(err).Str("entity_type", ref.Type).Str("entity_id", ref.ID).
				Msg("stale refresh failed, keeping cached value")
			continue
		}
		if !s.sessionMatches(startSess) {
			return
		}
		if err := s.cache.Put(ref.Type, ref.ID, payload, s.refreshTTL); err != nil {
			s.logger.Warn().Err(err).Msg("failed to store refreshed record")
		}
	}
}

// sessionMatches reports whether the session that started the cycle is
// still the active one.
func (s *Synchronizer) sessionMatches(start *types.Session) bool {
	current, ok := s.session.Current()
	if !ok || start == nil {
		return false
	}
	// Token may rotate mid-cycle via proactive refresh; identity is
	// what matters
	return current.UserID == start.UserID
}
