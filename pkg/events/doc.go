/*
Package events provides the event broker through which Burrow surfaces
engine state changes to the UI layer.

The broker decouples the engine's internals from whatever renders them: the
session manager publishes expiry warnings, the synchronizer publishes
connectivity changes, and the coordinator publishes rollbacks, without any
of them knowing who is listening.

# Event Types

Session lifecycle:
  - session.expiring: idle expiry approaching; RemainingMs carries the
    time left to act
  - session.expired: idle expiry reached
  - session.refreshed: access token refreshed proactively
  - session.destroyed: session torn down; Reason carries why

Synchronization:
  - sync.status_changed: Connectivity flipped online/offline
  - sync.completed: a synchronizer cycle finished draining the queue

Mutations:
  - mutation.rolled_back: an optimistic write was reverted after a
    permanent server rejection; ActionID and Reason identify it
  - mutation.failed: an action exhausted its retries

Storage:
  - storage.degraded: durable storage became unavailable and the engine
    fell back to in-memory state

# Delivery Semantics

Delivery is best-effort: each subscriber has a buffered channel and events
are dropped for subscribers that cannot keep up, never blocking the
publisher. Engine correctness must not depend on an event being observed.
*/
package events
