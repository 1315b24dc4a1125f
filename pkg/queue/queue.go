package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	actionPrefix = "queue:action:"
	seqKey       = "queue:seq"
)

// Defaults for retry policy.
const (
	DefaultRetryCeiling = 5
	DefaultBackoffBase  = 2 * time.Second
	DefaultBackoffCap   = 60 * time.Second
)

// ErrNotInFlight is returned when resolving an action that is not the
// current in-flight action.
var ErrNotInFlight = errors.New("action is not in flight")

// Queue is the ordered, persisted queue of pending mutations.
//
// Delivery is strictly single-consumer: at most one action is in flight
// at a time, and actions leave the queue in enqueue order. A retried
// action keeps its original position, which guarantees edits to the same
// entity are never applied out of order.
type Queue struct {
	mu           sync.Mutex
	store        storage.Store
	retryCeiling int
	backoffBase  time.Duration
	backoffCap   time.Duration
	inFlight     string // actionID, empty when none
	now          func() time.Time
	logger       zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryCeiling overrides the transient-failure retry ceiling.
func WithRetryCeiling(n int) Option {
	return func(q *Queue) { q.retryCeiling = n }
}

// WithBackoff overrides the exponential backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(q *Queue) { q.backoffBase = base; q.backoffCap = cap }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue backed by the given store. Actions left in-flight
// by a crash are demoted back to pending without a retry penalty.
func New(store storage.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:        store,
		retryCeiling: DefaultRetryCeiling,
		backoffBase:  DefaultBackoffBase,
		backoffCap:   DefaultBackoffCap,
		now:          time.Now,
		logger:       log.WithComponent("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}

	actions, err := q.list()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	for _, a := range actions {
		if a.Status == types.ActionInFlight {
			a.Status = types.ActionPending
			if err := q.persist(a); err != nil {
				return nil, err
			}
			q.logger.Info().Str("action_id", a.ActionID).
				Msg("recovered in-flight action from previous run")
		}
	}
	metrics.QueueDepth.Set(float64(len(actions)))
	return q, nil
}

// Enqueue persists a new pending action and returns it. The action ID is
// the idempotency key: derived from the action's identity plus a random
// nonce so a server-side replay check can deduplicate a retransmission.
func (q *Queue) Enqueue(actionType types.ActionType, targetType, targetID string, payload json.RawMessage) (*types.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.nextSeq()
	if err != nil {
		return nil, err
	}

	createdAt := q.now()
	action := &types.PendingAction{
		ActionID:   idempotencyKey(actionType, targetID, createdAt),
		Type:       actionType,
		TargetType: targetType,
		TargetID:   targetID,
		Payload:    payload,
		CreatedAt:  createdAt,
		Seq:        seq,
		Status:     types.ActionPending,
	}
	if err := q.persist(action); err != nil {
		return nil, err
	}

	metrics.QueueDepth.Inc()
	q.logger.Debug().Str("action_id", action.ActionID).Str("type", string(actionType)).
		Str("target", targetType+"/"+targetID).Msg("action enqueued")
	return action, nil
}

// idempotencyKey builds a deterministic-shape key from the action
// identity and a random nonce.
func idempotencyKey(actionType types.ActionType, targetID string, createdAt time.Time) string {
	nonce := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s-%d-%s", actionType, targetID, createdAt.UnixMilli(), nonce)
}

// DequeueNext returns the oldest pending action and marks it in-flight.
// It returns nil when the queue is empty, when another action is already
// in flight, or when the head action is still backing off. The head is
// never skipped: a backing-off action blocks the queue so ordering is
// preserved.
func (q *Queue) DequeueNext() (*types.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight != "" {
		return nil, nil
	}

	actions, err := q.list()
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}

	head := actions[0]
	if !head.NextAttemptAt.IsZero() && head.NextAttemptAt.After(q.now()) {
		return nil, nil
	}

	head.Status = types.ActionInFlight
	if err := q.persist(head); err != nil {
		return nil, err
	}
	q.inFlight = head.ActionID

	out := *head
	return &out, nil
}

// MarkSucceeded removes an acknowledged action from the queue.
func (q *Queue) MarkSucceeded(actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, err := q.find(actionID)
	if err != nil {
		return err
	}
	if q.inFlight != actionID {
		return ErrNotInFlight
	}

	if err := q.store.Delete(actionKey(action.Seq)); err != nil {
		return err
	}
	q.inFlight = ""
	metrics.QueueDepth.Dec()
	metrics.ActionsDelivered.Inc()
	return nil
}

// MarkFailed resolves a failed delivery attempt. A retryable failure
// below the ceiling demotes the action to pending with an exponential
// backoff gate; anything else makes it failed-permanent and removes it.
// The returned action and permanent flag let the caller roll back and
// notify the user.
func (q *Queue) MarkFailed(actionID string, retryable bool, cause string) (*types.PendingAction, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, err := q.find(actionID)
	if err != nil {
		return nil, false, err
	}
	if q.inFlight != actionID {
		return nil, false, ErrNotInFlight
	}
	q.inFlight = ""
	action.LastError = cause

	if retryable && action.RetryCount < q.retryCeiling {
		action.RetryCount++
		action.Status = types.ActionPending
		action.NextAttemptAt = q.now().Add(q.backoff(action.RetryCount))
		if err := q.persist(action); err != nil {
			return nil, false, err
		}
		metrics.QueueRetriesTotal.Inc()
		q.logger.Debug().Str("action_id", actionID).Int("retry", action.RetryCount).
			Time("next_attempt", action.NextAttemptAt).Msg("action scheduled for retry")
		out := *action
		return &out, false, nil
	}

	action.Status = types.ActionFailedPermanent
	if err := q.store.Delete(actionKey(action.Seq)); err != nil {
		return nil, false, err
	}
	metrics.QueueDepth.Dec()
	q.logger.Warn().Str("action_id", actionID).Str("cause", cause).
		Msg("action failed permanently")
	out := *action
	return &out, true, nil
}

// ClearInFlight demotes the in-flight action back to pending without a
// retry penalty. Used when a delivery is aborted for reasons unrelated
// to the action itself, such as an authentication rejection.
func (q *Queue) ClearInFlight() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight == "" {
		return nil
	}
	action, err := q.find(q.inFlight)
	if err != nil {
		return err
	}
	action.Status = types.ActionPending
	if err := q.persist(action); err != nil {
		return err
	}
	q.inFlight = ""
	return nil
}

// Pending returns all queued actions in delivery order.
func (q *Queue) Pending() ([]*types.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list()
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.list()
	if err != nil {
		return 0
	}
	return len(actions)
}

// Clear removes every queued action (full reset, not used on logout:
// queued actions survive re-authentication).
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	actions, err := q.list()
	if err != nil {
		return err
	}
	for _, a := range actions {
		if err := q.store.Delete(actionKey(a.Seq)); err != nil {
			return err
		}
	}
	q.inFlight = ""
	metrics.QueueDepth.Set(0)
	return nil
}

func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.backoffBase << (retryCount - 1)
	if d > q.backoffCap || d <= 0 {
		d = q.backoffCap
	}
	// Jitter within ±25% so retries from concurrent clients spread out
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d*3/4 + jitter
}

// actionKey zero-pads the sequence so lexicographic key order is
// delivery order.
func actionKey(seq uint64) string {
	return actionPrefix + fmt.Sprintf("%020d", seq)
}

func (q *Queue) nextSeq() (uint64, error) {
	var seq uint64
	data, found, err := q.store.Get(seqKey)
	if err != nil {
		return 0, err
	}
	if found {
		seq, err = strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt queue sequence: %w", err)
		}
	}
	seq++
	if err := q.store.Set(seqKey, []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

func (q *Queue) persist(action *types.PendingAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	return q.store.Set(actionKey(action.Seq), data)
}

func (q *Queue) list() ([]*types.PendingAction, error) {
	pairs, err := q.store.ScanPrefix(actionPrefix)
	if err != nil {
		return nil, err
	}
	actions := make([]*types.PendingAction, 0, len(pairs))
	for _, kv := range pairs {
		var a types.PendingAction
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			q.logger.Warn().Err(err).Str("key", kv.Key).Msg("dropping corrupt queued action")
			_ = q.store.Delete(kv.Key)
			continue
		}
		actions = append(actions, &a)
	}
	return actions, nil
}

func (q *Queue) find(actionID string) (*types.PendingAction, error) {
	actions, err := q.list()
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if a.ActionID == actionID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("action not found: %s", actionID)
}
