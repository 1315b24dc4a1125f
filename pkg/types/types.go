package types

import (
	"encoding/json"
	"time"
)

// Session represents an authenticated user session.
type Session struct {
	UserID         string
	AccessToken    string
	TokenExpiresAt time.Time
	LastActivityAt time.Time
	RememberMe     bool // persist across restarts vs. in-memory only
}

// ExpiresAt computes the idle expiry from the last activity timestamp.
// The expiry is always derived, never stored, so persisted state cannot
// extend a session beyond policy.
func (s *Session) ExpiresAt(idleWindow time.Duration) time.Time {
	return s.LastActivityAt.Add(idleWindow)
}

// Expired reports whether the session has passed its idle expiry.
func (s *Session) Expired(idleWindow time.Duration, now time.Time) bool {
	return now.After(s.ExpiresAt(idleWindow))
}

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionActive          SessionState = "active"
	SessionWarning         SessionState = "warning"
	SessionExpired         SessionState = "expired"
)

// DestroyReason explains why a session was torn down.
type DestroyReason string

const (
	DestroyLogout       DestroyReason = "logout"
	DestroyIdleTimeout  DestroyReason = "idle-timeout"
	DestroyAuthRejected DestroyReason = "auth-rejected"
)

// CachedRecord is a locally stored copy of a server-owned entity.
type CachedRecord struct {
	EntityType string
	EntityID   string
	Payload    json.RawMessage
	FetchedAt  time.Time
	TTLSeconds int
}

// Stale reports whether the record has outlived its TTL. A stale record
// is eligible for background refresh but is never deleted on that basis
// alone, so the UI always has something to render.
func (r *CachedRecord) Stale(now time.Time) bool {
	return now.Sub(r.FetchedAt) > time.Duration(r.TTLSeconds)*time.Second
}

// EntityRef identifies a cached entity by type and ID.
type EntityRef struct {
	Type string
	ID   string
}

// ActionType defines the kind of mutation a PendingAction carries.
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionUpdate  ActionType = "update"
	ActionDelete  ActionType = "delete"
	ActionLike    ActionType = "like"
	ActionComment ActionType = "comment"
)

// ActionStatus represents where a PendingAction is in its lifecycle.
type ActionStatus string

const (
	ActionPending         ActionStatus = "pending"
	ActionInFlight        ActionStatus = "in-flight"
	ActionFailedPermanent ActionStatus = "failed-permanent"
)

// PendingAction is a queued mutation awaiting delivery to the server.
type PendingAction struct {
	ActionID       string // client-generated idempotency key
	Type           ActionType
	TargetType     string
	TargetID       string // empty for create
	Payload        json.RawMessage
	CreatedAt      time.Time
	Seq            uint64 // queue sequence, total order
	RetryCount     int
	Status         ActionStatus
	NextAttemptAt  time.Time // backoff gate, zero means immediately eligible
	LastError      string
}

// FailureClass buckets a delivery failure for retry policy.
type FailureClass string

const (
	// FailureTransient covers timeouts, 5xx responses, and transport
	// errors. Retried with backoff.
	FailureTransient FailureClass = "transient"
	// FailureAuthRejected covers 401-equivalent responses. Destroys the
	// session; the action itself is preserved for after re-login.
	FailureAuthRejected FailureClass = "auth-rejected"
	// FailurePermanent covers validation and other non-auth 4xx
	// responses. The action is dropped and its optimistic write rolled
	// back.
	FailurePermanent FailureClass = "permanent"
)

// Connectivity is the engine's view of network availability.
type Connectivity string

const (
	ConnectivityOnline  Connectivity = "online"
	ConnectivityOffline Connectivity = "offline"
)

// SyncState tracks the synchronizer's view of the world. Process-wide,
// never persisted.
type SyncState struct {
	Connectivity      Connectivity
	LastSyncAttemptAt time.Time
	LastSyncSuccessAt time.Time
}
