package syncer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// rollbackKind says how to undo an optimistic write.
type rollbackKind int

const (
	rollbackRestore rollbackKind = iota // write back the captured payload
	rollbackInvalidate                  // drop the optimistically created record
	rollbackReinsert                    // re-put the record removed by an optimistic delete
)

type rollbackEntry struct {
	kind        rollbackKind
	ref         types.EntityRef
	prevPayload json.RawMessage     // rollbackRestore
	prevRecord  *types.CachedRecord // rollbackReinsert
}

// Coordinator applies user mutations optimistically: the local cache is
// patched first so the UI updates immediately, the action is queued for
// delivery, and the pre-mutation state is captured so a permanent server
// rejection can be rolled back.
type Coordinator struct {
	mu        sync.Mutex
	cache     *cache.Cache
	queue     *queue.Queue
	broker    *events.Broker
	rollbacks map[string]rollbackEntry // actionID -> undo
	logger    zerolog.Logger

	// nudge is set by the synchronizer so an optimistic apply while
	// online triggers an immediate delivery attempt.
	nudge func()
}

// NewCoordinator creates a coordinator over the given cache and queue.
func NewCoordinator(c *cache.Cache, q *queue.Queue, broker *events.Broker) *Coordinator {
	return &Coordinator{
		cache:     c,
		queue:     q,
		broker:    broker,
		rollbacks: make(map[string]rollbackEntry),
		logger:    log.WithComponent("coordinator"),
	}
}

// Like bumps an entity's like state optimistically and queues the like
// for delivery. The mutator computes the hypothetical payload.
func (co *Coordinator) Like(targetType, targetID string, mutate cache.Mutator) (json.RawMessage, error) {
	return co.applyPatch(types.ActionLike, targetType, targetID, nil, mutate)
}

// Comment applies an optimistic comment (typically a count bump plus a
// local echo) and queues the comment payload.
func (co *Coordinator) Comment(targetType, targetID string, payload json.RawMessage, mutate cache.Mutator) (json.RawMessage, error) {
	return co.applyPatch(types.ActionComment, targetType, targetID, payload, mutate)
}

// Update applies an optimistic edit and queues the update payload.
func (co *Coordinator) Update(targetType, targetID string, payload json.RawMessage, mutate cache.Mutator) (json.RawMessage, error) {
	return co.applyPatch(types.ActionUpdate, targetType, targetID, payload, mutate)
}

// applyPatch is the shared optimistic path for mutations of an existing
// record: patch the cache (capturing the pre-image), enqueue, return the
// updated payload for immediate rendering.
func (co *Coordinator) applyPatch(actionType types.ActionType, targetType, targetID string, payload json.RawMessage, mutate cache.Mutator) (json.RawMessage, error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	prev, err := co.cache.Patch(targetType, targetID, mutate)
	if err != nil {
		return nil, fmt.Errorf("optimistic patch failed: %w", err)
	}

	action, err := co.queue.Enqueue(actionType, targetType, targetID, payload)
	if err != nil {
		// Undo the patch so the view never shows an unqueued mutation
		_ = co.cache.Restore(targetType, targetID, prev)
		return nil, fmt.Errorf("failed to enqueue action: %w", err)
	}

	co.rollbacks[action.ActionID] = rollbackEntry{
		kind:        rollbackRestore,
		ref:         types.EntityRef{Type: targetType, ID: targetID},
		prevPayload: prev,
	}

	entry, _ := co.cache.Get(targetType, targetID)
	co.nudgeLocked()
	return entry.Payload, nil
}

// Create inserts a provisional record under a client-generated ID and
// queues the create. The provisional ID travels with the action so the
// server reply reconciles onto the same record.
func (co *Coordinator) Create(targetType, provisionalID string, payload json.RawMessage, ttlSeconds int) (json.RawMessage, error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if err := co.cache.Put(targetType, provisionalID, payload, ttlSeconds); err != nil {
		return nil, fmt.Errorf("optimistic create failed: %w", err)
	}

	action, err := co.queue.Enqueue(types.ActionCreate, targetType, provisionalID, payload)
	if err != nil {
		_ = co.cache.Invalidate(targetType, provisionalID)
		return nil, fmt.Errorf("failed to enqueue action: %w", err)
	}

	co.rollbacks[action.ActionID] = rollbackEntry{
		kind: rollbackInvalidate,
		ref:  types.EntityRef{Type: targetType, ID: provisionalID},
	}
	co.nudgeLocked()
	return payload, nil
}

// Delete removes a record optimistically and queues the delete. The full
// record is captured so a rejection can reinsert it untouched.
func (co *Coordinator) Delete(targetType, targetID string) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	prev, ok := co.cache.Record(targetType, targetID)
	if !ok {
		return fmt.Errorf("cache record not found: %s/%s", targetType, targetID)
	}
	if err := co.cache.Invalidate(targetType, targetID); err != nil {
		return fmt.Errorf("optimistic delete failed: %w", err)
	}

	action, err := co.queue.Enqueue(types.ActionDelete, targetType, targetID, nil)
	if err != nil {
		_ = co.cache.PutRecord(prev)
		return fmt.Errorf("failed to enqueue action: %w", err)
	}

	co.rollbacks[action.ActionID] = rollbackEntry{
		kind:       rollbackReinsert,
		ref:        types.EntityRef{Type: targetType, ID: targetID},
		prevRecord: prev,
	}
	co.nudgeLocked()
	return nil
}

// Rollback undoes the optimistic write for a permanently rejected
// action and surfaces the rejection to the UI.
func (co *Coordinator) Rollback(action *types.PendingAction, reason string) {
	co.mu.Lock()
	entry, ok := co.rollbacks[action.ActionID]
	delete(co.rollbacks, action.ActionID)
	co.mu.Unlock()

	if ok {
		var err error
		switch entry.kind {
		case rollbackRestore:
			err = co.cache.Restore(entry.ref.Type, entry.ref.ID, entry.prevPayload)
		case rollbackInvalidate:
			err = co.cache.Invalidate(entry.ref.Type, entry.ref.ID)
		case rollbackReinsert:
			err = co.cache.PutRecord(entry.prevRecord)
		}
		if err != nil {
			co.logger.Warn().Err(err).Str("action_id", action.ActionID).
				Msg("rollback write failed")
		}
	}

	metrics.MutationsRolledBack.Inc()
	co.logger.Info().Str("action_id", action.ActionID).Str("reason", reason).
		Msg("optimistic mutation rolled back")
	if co.broker != nil {
		co.broker.Publish(&events.Event{
			Type:     events.EventMutationRolledBack,
			ActionID: action.ActionID,
			Reason:   reason,
		})
	}
}

// Forget drops the rollback capture for an acknowledged action. A later
// canonical Put has already superseded the optimistic value.
func (co *Coordinator) Forget(actionID string) {
	co.mu.Lock()
	delete(co.rollbacks, actionID)
	co.mu.Unlock()
}

func (co *Coordinator) setNudge(fn func()) {
	co.mu.Lock()
	co.nudge = fn
	co.mu.Unlock()
}

func (co *Coordinator) nudgeLocked() {
	if co.nudge != nil {
		co.nudge()
	}
}
