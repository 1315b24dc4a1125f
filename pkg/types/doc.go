/*
Package types defines the core data structures used throughout Burrow.

This package contains the fundamental types of the engine's domain model:
sessions, cached records, pending actions, and synchronizer state. All other
packages depend on it and it depends on nothing but the standard library.

# Core Types

Session Lifecycle:
  - Session: Authenticated user session with token and activity timestamps
  - SessionState: Unauthenticated, active, warning, expired
  - DestroyReason: Logout, idle-timeout, auth-rejected

Local Cache:
  - CachedRecord: TTL-bounded local copy of a server-owned entity

Mutation Queue:
  - PendingAction: Queued mutation with idempotency key, retry count,
    and backoff gate
  - ActionType: Create, update, delete, like, comment
  - ActionStatus: Pending, in-flight, failed-permanent

Synchronization:
  - SyncState: Connectivity and last-attempt/last-success timestamps
  - FailureClass: Transient, auth-rejected, permanent

# Design Principles

A session's idle expiry is always computed from LastActivityAt plus the
configured idle window, never persisted verbatim. This keeps stored state
from silently extending a session beyond policy.

A stale CachedRecord is eligible for background refresh but is never
deleted for being stale, so the UI can always render the last-known value.

All types are JSON-serializable; the storage layer stores them as opaque
bytes and the packages that own them do the (un)marshaling.
*/
package types
